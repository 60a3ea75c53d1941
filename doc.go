/*
Package utmetadata fetches a torrent's info dictionary from peers using the ut_metadata
extension (BEP 9), when only the info hash is known, such as from a magnet link.

An Engine exists per info hash. Each peer connection is attached to it and runs until the
connection closes:

	e := utmetadata.NewEngine(ih, func(info []byte) {
		log.Printf("got %d bytes of metadata", len(info))
	})
	go e.Attach(ctx, wire)
	<-e.Complete()

Connections exchange extended handshakes, request every block the engine is missing, and answer
requests from the peer once the metadata is known. The assembled metadata is only committed after
its SHA-1 matches the info hash, and the completion callback fires once per Engine regardless of
how many connections finish the transfer.

A Wire carries extended messages for one peer. Package peerwire provides one over a TCP
connection.
*/
package utmetadata
