package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jaywantadh/resumable/internal/channel"
	"github.com/jaywantadh/resumable/internal/transfer"
	"github.com/schollz/progressbar/v3"
)

// progressUI renders session events as a terminal progress bar.
type progressUI struct {
	size int64
	bar  *progressbar.ProgressBar
}

func newProgressUI(size int64) *progressUI {
	return &progressUI{size: size}
}

func (p *progressUI) observe(ev channel.Event) {
	switch ev.Kind {
	case channel.EventStart:
		p.bar = progressbar.NewOptions64(p.size,
			progressbar.OptionSetDescription("Uploading "+ev.FileName),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(50),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(false),
		)
	case channel.EventResume, channel.EventProgress:
		if p.bar == nil || ev.Remote != nil {
			return
		}
		_ = p.bar.Set64(int64(ev.Progress.Bytes))
		desc := fmt.Sprintf("Uploading %s (%.1f%%", ev.FileName, ev.Progress.Percent)
		if ev.Progress.Speed > 0 {
			desc += " - " + transfer.FormatBytes(uint64(ev.Progress.Speed)) + "/s"
		}
		if ev.Progress.ETAKnown {
			desc += " - ETA " + transfer.FormatDuration(ev.Progress.ETA)
		}
		p.bar.Describe(desc + ")")
	case channel.EventRetrying:
		if p.bar != nil {
			p.bar.Describe(fmt.Sprintf("Reconnecting (attempt %d)", ev.Attempt))
		}
	case channel.EventComplete:
		if p.bar != nil {
			_ = p.bar.Finish()
		}
		fmt.Fprintf(os.Stderr, "\nUpload %s complete\n", ev.UploadID)
	case channel.EventError:
		if p.bar != nil {
			_ = p.bar.Exit()
		}
	}
}
