package layout

import (
	"github.com/anacrolix/torrent/metainfo"
)

// Builds a Layout from a v1 info dictionary.
func FromInfo(info *metainfo.Info) (*Layout, error) {
	hashes, err := SplitHashes(info.Pieces)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, fi := range info.UpvertedFiles() {
		files = append(files, File{
			Path:   append([]string{info.Name}, fi.Path...),
			Length: fi.Length,
		})
	}
	if len(info.Files) == 0 {
		files = []File{{Path: []string{info.Name}, Length: info.Length}}
	}
	return New(info.TotalLength(), info.PieceLength, hashes, files)
}
