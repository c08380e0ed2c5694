// Package adminsessions implements the administrative sessions that change
// which key servers hold shares of a server key.
//
// # Share Add
//
// ShareAddSession extends a sharing to new nodes without changing the joint
// secret. Every old node generates a fresh polynomial whose absolute term is
// a share of zero, the new nodes receive their absolute terms from the old
// nodes, and every participant disseminates refreshed polynomial values plus
// public commitments. The result is a new sharing with the same threshold in
// which every participant, old and new, holds a fresh secret share.
//
// The initialization request carries the administrator's signatures over the
// old and the new set of share holders. Every participant checks them before
// confirming, and old nodes also check the old set against their stored share.
//
// Message flow, with M the master, O old nodes and N new nodes:
//
//	M -> O,N  InitializeShareAddSession
//	O,N -> M  ConfirmShareAddInitialization
//	M -> N    KeyShareCommon
//	O -> N    NewAbsoluteTermShare
//	* -> *    NewKeysDissemination
//
// # Share Remove
//
// ShareRemoveSession evicts nodes from a sharing. Every share holder must
// confirm that the administrator signed both the old and the new servers set.
// Then the master asks removed nodes to drop their shares, and they confirm to
// the survivors, who forget the removed id numbers.
//
// # Errors
//
// Sessions fail fast: any local or peer error finishes the session, and a
// local error is broadcast to the other participants. Messages that arrive
// before their prerequisites return ErrTooEarlyForRequest and are expected to
// be redelivered by the caller.
package adminsessions
