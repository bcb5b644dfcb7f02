package sensor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// ReplayOptions controls playback of a recorded session.
type ReplayOptions struct {
	// Speed scales the gaps between recorded timestamps. Zero replays
	// as fast as possible.
	Speed float64
}

// Replay reads newline-delimited device messages from r into the feed.
// Blank lines and lines starting with '#' are skipped. It returns the number
// of messages delivered.
func Replay(ctx context.Context, r io.Reader, feed *Feed, opts ReplayOptions) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		count  int
		lastTs int64
		line   int
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		if err := ctx.Err(); err != nil {
			return count, err
		}

		msg, err := decodeLine([]byte(text))
		if err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}

		if opts.Speed > 0 && lastTs > 0 && msg.TimestampMs > lastTs {
			gap := time.Duration(float64(msg.TimestampMs-lastTs)/opts.Speed) * time.Millisecond
			select {
			case <-time.After(gap):
			case <-ctx.Done():
				return count, ctx.Err()
			}
		}
		if msg.TimestampMs > 0 {
			lastTs = msg.TimestampMs
		}

		if err := feed.Handle(msg); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to read recording: %w", err)
	}
	return count, nil
}
