package engine

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// Stats is a point-in-time summary of the engine.
type Stats struct {
	States        int    `json:"states"`
	Objects       int    `json:"objects"`
	Fifos         int    `json:"fifos"`
	MessageBoxes  int    `json:"messageBoxes"`
	Logs          int    `json:"logs"`
	Sessions      int    `json:"sessions"`
	ArmedTimers   int    `json:"armedTimers"`
	Connections   int    `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
	NextMessageID int64  `json:"nextMessageId"`
	StateSave     bool   `json:"stateSavePending"`
	ConfigSave    bool   `json:"configSavePending"`
	RSSBytes      uint64 `json:"rssBytes,omitempty"`
	RSS           string `json:"rss,omitempty"`
}

func (e *Engine) counts() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		States:        len(e.states),
		Objects:       len(e.objects),
		Fifos:         len(e.fifos),
		MessageBoxes:  len(e.boxes),
		Logs:          len(e.logs),
		Sessions:      len(e.sessions),
		ArmedTimers:   e.expiry.armed(),
		Connections:   len(e.registry.conns),
		Subscriptions: e.registry.subscriptions(),
		NextMessageID: e.nextMessageID,
	}
}

// Stats reports store sizes, pending saves and the resident memory of this
// process.
func (e *Engine) Stats() Stats {
	s := e.counts()
	if e.stateSave != nil {
		s.StateSave = e.stateSave.Pending()
	}
	if e.configSave != nil {
		s.ConfigSave = e.configSave.Pending()
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			s.RSSBytes = mem.RSS
			s.RSS = humanize.IBytes(mem.RSS)
		}
	}
	return s
}
