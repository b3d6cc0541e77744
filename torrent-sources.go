package torrent

import (
	"context"
	"time"

	"github.com/anacrolix/log"
)

func (t *Torrent) startSources() {
	if t.sourcesCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.sourcesCancel = cancel
	for _, src := range t.sources {
		t.goWaiter(func() {
			t.runSource(ctx, src)
		})
	}
}

func (t *Torrent) stopSources() {
	if t.sourcesCancel == nil {
		return
	}
	t.sourcesCancel()
	t.sourcesCancel = nil
}

func (t *Torrent) announceStatus(event AnnounceEvent) AnnounceStatus {
	return AnnounceStatus{
		InfoHash:   t.infoHash,
		PeerID:     t.cl.peerID,
		Port:       t.cl.LocalPort(),
		Uploaded:   t.stats.BytesWrittenData.Int64(),
		Downloaded: t.stats.BytesReadUsefulData.Int64(),
		Left:       t.bytesLeft.Load(),
		Event:      event,
		NumWant:    50,
	}
}

// Asks a source for peers until ctx is done, then tells it we're stopping. Runs outside the loop.
func (t *Torrent) runSource(ctx context.Context, src PeerSource) {
	logger := t.logger.WithContextValue(src.Name())
	event := AnnounceEventStarted
	// Completion is only news if we weren't already complete when we started.
	sentCompleted := t.complete.IsSet()
	announced := false
	failures := 0
	for {
		if !sentCompleted && t.complete.IsSet() {
			event = AnnounceEventCompleted
		}
		peers, next, err := src.Peers(ctx, t.announceStatus(event))
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			failures++
			logger.Levelf(log.Debug, "getting peers (failure %d): %v", failures, err)
			if failures >= t.config.TrackerErrorThreshold {
				logger.Levelf(log.Warning, "giving up after %d consecutive failures: %v", failures, err)
				return
			}
			next = min(time.Duration(failures)*15*time.Second, t.config.AnnounceInterval)
		} else {
			failures = 0
			announced = true
			if event == AnnounceEventCompleted {
				sentCompleted = true
			}
			event = AnnounceEventNone
			if !t.post(peersFoundEvent{src.Name(), peers}) {
				break
			}
		}
		if !t.waitToAnnounce(ctx, next) {
			break
		}
	}
	if announced {
		stopCtx, cancel := context.WithTimeout(context.Background(), stoppedAnnounceTimeout)
		defer cancel()
		if _, _, err := src.Peers(stopCtx, t.announceStatus(AnnounceEventStopped)); err != nil {
			logger.Levelf(log.Debug, "announcing stop: %v", err)
		}
	}
}

// Waits out the announce interval, cutting it short when the torrent wants more peers but never
// sooner than minReannounceInterval. A zero interval waits until ctx is done. Returns false if ctx
// is done.
func (t *Torrent) waitToAnnounce(ctx context.Context, interval time.Duration) bool {
	earliest := time.Now().Add(min(minReannounceInterval, interval))
	var deadline <-chan time.Time
	if interval > 0 {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		wantPeers := t.wantPeers.Signaled()
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return true
		case <-wantPeers:
			if interval > 0 && !time.Now().Before(earliest) {
				return true
			}
			wait := time.Until(earliest)
			if interval <= 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(wait):
				return true
			}
		}
	}
}
