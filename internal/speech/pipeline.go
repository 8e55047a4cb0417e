package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// wavHeaderBytes is the canonical RIFF/WAVE header length the
	// synthesizer prepends to its stream. It is stripped exactly once
	// per pipeline run; everything after it is raw PCM.
	wavHeaderBytes = 44

	// defaultChunkBytes is the playback frame size.
	defaultChunkBytes = 19200

	// defaultIdleFlush is how long the text worker waits for more
	// tokens before synthesizing whatever it is holding.
	defaultIdleFlush = 500 * time.Millisecond

	// segmentDelimiters end a synthesizable segment. The trailing
	// partial after the last delimiter stays buffered.
	segmentDelimiters = ",.?!:，。？！："
)

// Sink receives playback-ready PCM chunks. The playback device is an
// external collaborator behind this interface.
type Sink interface {
	io.Writer
	Close() error
}

// Option adjusts pipeline tunables.
type Option func(*Pipeline)

// WithChunkBytes overrides the playback frame size.
func WithChunkBytes(n int) Option {
	return func(p *Pipeline) { p.chunkBytes = n }
}

// WithIdleFlush overrides the text idle flush interval.
func WithIdleFlush(d time.Duration) Option {
	return func(p *Pipeline) { p.idleFlush = d }
}

type textItem struct {
	fragment string
	// end marks the end of one answer: flush everything buffered,
	// trailing partial included.
	end bool
}

type audioItem struct {
	data []byte
	// end marks a segment boundary: write out the sub-chunk remainder.
	end bool
}

// Pipeline couples a text worker (buffer, segment, synthesize) to an
// audio worker (reframe WAV bytes into fixed-size PCM chunks) over a
// pair of channels. A worker error poisons the pipeline instance;
// callers build a fresh one.
type Pipeline struct {
	logger *slog.Logger
	synth  Synthesizer
	sink   Sink

	chunkBytes int
	idleFlush  time.Duration

	text  chan textItem
	audio chan audioItem
	group *errgroup.Group
	gctx  context.Context

	mu     sync.Mutex
	closed bool
}

// NewPipeline creates a pipeline. Call Start before enqueueing text.
func NewPipeline(logger *slog.Logger, synth Synthesizer, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:     logger,
		synth:      synth,
		sink:       sink,
		chunkBytes: defaultChunkBytes,
		idleFlush:  defaultIdleFlush,
		text:       make(chan textItem, 64),
		audio:      make(chan audioItem, 64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches both workers. ctx cancellation tears the pipeline
// down without flushing.
func (p *Pipeline) Start(ctx context.Context) {
	p.group, p.gctx = errgroup.WithContext(ctx)
	p.group.Go(p.textWorker)
	p.group.Go(p.audioWorker)
}

// EnqueueText hands one answer fragment to the pipeline. Fragments
// whose sanitized form is empty are dropped; otherwise the original
// fragment is enqueued, punctuation intact, so segmentation still sees
// sentence boundaries.
func (p *Pipeline) EnqueueText(fragment string) {
	if Sanitize(fragment) == "" {
		return
	}
	p.send(textItem{fragment: fragment})
}

// EndOfAnswer flushes everything buffered for the current answer,
// trailing partial segment included.
func (p *Pipeline) EndOfAnswer() {
	p.send(textItem{end: true})
}

func (p *Pipeline) send(item textItem) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.text <- item:
	case <-p.gctx.Done():
	}
}

// Stop drains both workers and closes the sink. It returns the first
// worker error, if any.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.text)
	err := p.group.Wait()
	if cerr := p.sink.Close(); err == nil {
		err = cerr
	}
	return err
}

// textWorker buffers fragments, cuts complete segments on sentence
// punctuation, and synthesizes each segment into the audio channel.
func (p *Pipeline) textWorker() error {
	var buf strings.Builder

	timer := time.NewTimer(p.idleFlush)
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.idleFlush)
	}

	for {
		select {
		case <-p.gctx.Done():
			return p.gctx.Err()

		case item, ok := <-p.text:
			if !ok {
				if err := p.flush(&buf); err != nil {
					return err
				}
				close(p.audio)
				return nil
			}
			if item.end {
				if err := p.flush(&buf); err != nil {
					return err
				}
				resetTimer()
				continue
			}

			buf.WriteString(item.fragment)
			segments, rest := splitSegments(buf.String())
			buf.Reset()
			buf.WriteString(rest)
			for _, seg := range segments {
				if err := p.speak(seg); err != nil {
					return err
				}
			}
			resetTimer()

		case <-timer.C:
			if err := p.flush(&buf); err != nil {
				return err
			}
			timer.Reset(p.idleFlush)
		}
	}
}

// flush synthesizes the whole buffer as one segment.
func (p *Pipeline) flush(buf *strings.Builder) error {
	text := strings.TrimSpace(buf.String())
	buf.Reset()
	if text == "" {
		return nil
	}
	return p.speak(text)
}

// speak synthesizes one segment and streams its bytes to the audio
// worker, followed by a segment-end marker.
func (p *Pipeline) speak(segment string) error {
	text := Sanitize(segment)
	if text == "" {
		return nil
	}

	p.logger.Debug("synthesizing segment", "chars", len(text))
	body, err := p.synth.Synthesize(p.gctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer body.Close()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := p.sendAudio(audioItem{data: data}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read audio stream: %w", err)
		}
	}
	return p.sendAudio(audioItem{end: true})
}

func (p *Pipeline) sendAudio(item audioItem) error {
	select {
	case p.audio <- item:
		return nil
	case <-p.gctx.Done():
		return p.gctx.Err()
	}
}

// audioWorker strips the single WAV header and reframes the PCM stream
// into fixed-size chunks for the sink, flushing the remainder at each
// segment boundary.
func (p *Pipeline) audioWorker() error {
	skip := wavHeaderBytes
	var pending []byte

	writeOut := func(data []byte) error {
		if _, err := p.sink.Write(data); err != nil {
			return fmt.Errorf("write sink: %w", err)
		}
		return nil
	}

	for {
		select {
		case <-p.gctx.Done():
			return p.gctx.Err()

		case item, ok := <-p.audio:
			if !ok {
				if len(pending) > 0 {
					return writeOut(pending)
				}
				return nil
			}
			if item.end {
				if len(pending) > 0 {
					if err := writeOut(pending); err != nil {
						return err
					}
					pending = nil
				}
				continue
			}

			data := item.data
			if skip > 0 {
				n := min(skip, len(data))
				data = data[n:]
				skip -= n
				if len(data) == 0 {
					continue
				}
			}

			pending = append(pending, data...)
			for len(pending) >= p.chunkBytes {
				if err := writeOut(pending[:p.chunkBytes]); err != nil {
					return err
				}
				pending = pending[p.chunkBytes:]
			}
		}
	}
}

// splitSegments cuts text at sentence punctuation, keeping each
// delimiter with its segment. rest is the trailing partial after the
// last delimiter.
func splitSegments(text string) (segments []string, rest string) {
	start := 0
	for i, r := range text {
		if strings.ContainsRune(segmentDelimiters, r) {
			end := i + len(string(r))
			seg := strings.TrimSpace(text[start:end])
			if seg != "" {
				segments = append(segments, seg)
			}
			start = end
		}
	}
	return segments, text[start:]
}
