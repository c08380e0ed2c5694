/*
Package clients provides a client for the administrative HTTP API of a key
server.

AdminClient covers:

  - NodeIdentity and ServerSet - inspect a key server and its view of the set
  - ShareAdd and ShareRemove - start share migration sessions, signing the
    affected server sets with the administrator key
  - SessionStatus, Sessions and WaitForSession - follow session progress
  - BootstrapStatus and SubmitShare - recover the seed of a node started
    without a seed file

# Example Usage

	adminKey, _ := crypto.HexToECDSA("administrator-key-hex")
	client := clients.NewAdminClient("http://10.0.0.1:8080", adminKey, 30*time.Second)

	holders := interfaces.NewNodeSet(node1, node2, node3)
	_, err := client.ShareAdd(ctx, keyID, holders, interfaces.NewNodeSet(node4))
	if err != nil {
		return err
	}
	status, err := client.WaitForSession(ctx, interfaces.ShareAddSessionKind, keyID, time.Second)
*/
package clients
