package torrent

import (
	"expvar"
)

var (
	unexpectedChunksReceived = expvar.NewInt("chunksReceivedUnexpected")
	wastedChunksReceived     = expvar.NewInt("chunksReceivedWasted")
	chunksReceived           = expvar.NewInt("chunksReceived")

	peersAddedBySource = expvar.NewMap("peersAddedBySource")

	uploadChunksPosted    = expvar.NewInt("uploadChunksPosted")
	droppedPeerRequests   = expvar.NewMap("droppedPeerRequests")
	unexpectedCancels     = expvar.NewInt("unexpectedCancels")
	requestsTimedOut      = expvar.NewInt("requestsTimedOut")
	diskQueueFullRetries  = expvar.NewInt("diskQueueFullRetries")
	pieceHashedCorrect    = expvar.NewInt("pieceHashedCorrect")
	pieceHashedNotCorrect = expvar.NewInt("pieceHashedNotCorrect")

	successfulDials   = expvar.NewInt("dialSuccessful")
	unsuccessfulDials = expvar.NewInt("dialUnsuccessful")

	acceptTCP    = expvar.NewInt("acceptTCP")
	acceptReject = expvar.NewInt("acceptReject")

	// Count of connections to peer with same client ID.
	connsToSelf          = expvar.NewInt("connsToSelf")
	duplicateClientConns = expvar.NewInt("duplicateClientConns")
	receivedKeepalives   = expvar.NewInt("receivedKeepalives")
	writtenKeepalives    = expvar.NewInt("writtenKeepalives")
	alertsDropped        = expvar.NewInt("alertsDropped")
)
