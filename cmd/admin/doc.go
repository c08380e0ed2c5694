// Package main (cmd/admin) is the administrator's command line for key servers.
//
// An administrator is identified by a seed file, as key servers are. The
// same key signs the server sets of share add and share remove requests
// (the key servers' --admin-public) and seed shares submitted to a key
// server started without a seed file.
//
// Commands:
//
//	generate-admin      - create an administrator seed and print its public key
//	node                - print a key server's id, address and version
//	server-set          - print the key server set as seen by a key server
//	share-add           - give shares of a key to more key servers
//	share-remove        - take shares of a key away from key servers
//	sessions            - list sessions in progress
//	session             - print or wait for the status of a session
//	split-seed          - split a key server seed into admin shares
//	submit-seed-share   - submit an admin's seed share to a bootstrapping key server
//
// Example, moving a key from three key servers to four:
//
//	admin share-add --key-id=<key> --holders=<n1>,<n2>,<n3> --nodes=<n4> --wait
package main
