// Package testutil contains stuff for testing torrent-related behaviour.
//
// "greeting" is a single-file torrent of a file called "greeting" that contains
// "hello, world\n".
package testutil

import (
	"crypto/sha1"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/kestrel-bt/torrent/layout"
)

const (
	GreetingFileContents = "hello, world\n"
	GreetingFileName     = "greeting"
)

var Greeting = Torrent{
	Files: []File{{
		Data: GreetingFileContents,
	}},
	Name: GreetingFileName,
}

type File struct {
	Name string
	Data string
}

// High-level description of a torrent for testing purposes.
type Torrent struct {
	Files []File
	Name  string
}

// A single anonymous file means the torrent is that file, named Name.
func (t *Torrent) IsSingleFile() bool {
	return len(t.Files) == 1 && t.Files[0].Name == ""
}

func (t *Torrent) Data() []byte {
	var sb strings.Builder
	for _, f := range t.Files {
		sb.WriteString(f.Data)
	}
	return []byte(sb.String())
}

// Path of each file relative to the storage directory.
func (t *Torrent) FilePath(i int) string {
	if t.IsSingleFile() {
		return t.Name
	}
	return filepath.Join(t.Name, t.Files[i].Name)
}

func (t *Torrent) Hashes(pieceLength int64) (ret []layout.Hash) {
	data := t.Data()
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		ret = append(ret, sha1.Sum(data[off:min(off+pieceLength, int64(len(data)))]))
	}
	return
}

func (t *Torrent) Layout(pieceLength int64) *layout.Layout {
	var files []layout.File
	for i, f := range t.Files {
		files = append(files, layout.File{
			Path:   strings.Split(filepath.ToSlash(t.FilePath(i)), "/"),
			Length: int64(len(f.Data)),
		})
	}
	l, err := layout.New(int64(len(t.Data())), pieceLength, t.Hashes(pieceLength), files)
	panicif.Err(err)
	return l
}

// The infohash stand-in for tests that don't go through metainfo.
func (t *Torrent) InfoHash() (ret [20]byte) {
	return sha1.Sum([]byte("testutil:" + t.Name))
}

// A torrent of pseudo-random content split into files of the given lengths. The same seed gives
// the same torrent.
func RandomTorrent(seed uint64, name string, fileLengths ...int) Torrent {
	r := rand.New(rand.NewPCG(seed, seed))
	t := Torrent{Name: name}
	for i, l := range fileLengths {
		b := make([]byte, l)
		for j := range b {
			b[j] = byte(r.Uint32())
		}
		f := File{Data: string(b)}
		if len(fileLengths) > 1 {
			f.Name = string(rune('a'+i)) + ".bin"
		}
		t.Files = append(t.Files, f)
	}
	return t
}
