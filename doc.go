/*
Package torrent implements a BitTorrent v1 download and upload engine.

Simple example:

	cl, _ := torrent.NewClient(torrent.NewDefaultConfig())
	defer cl.Close()
	mi, _ := metainfo.LoadFromFile("some.torrent")
	spec, _ := torrent.TorrentSpecFromMetaInfo(mi)
	t, _ := cl.AddTorrent(spec)
	t.Start()
	<-t.Complete()
	log.Print("ermahgerd, torrent downloaded")

Each Torrent runs an event loop that owns its piece picker and peer connections. Connection
goroutines, disk workers and peer sources hand it events rather than sharing state.
*/
package torrent
