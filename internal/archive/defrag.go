package archive

import (
	"context"

	"github.com/barecat/barecat/internal/defrag"
)

// DefragMode selects a compaction strategy for Archive.Defrag.
type DefragMode int

const (
	DefragFull DefragMode = iota
	DefragQuick
)

// Defrag runs the chosen compaction strategy (full or quick) over the
// archive.
func (a *Archive) Defrag(mode DefragMode) error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	var m defrag.Mode
	switch mode {
	case DefragFull:
		m = defrag.Full
	case DefragQuick:
		m = defrag.Quick
	}
	return defrag.Run(context.Background(), m, a.idx, a.shards, a.log)
}
