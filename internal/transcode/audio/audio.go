// Package audio implements an in-process audio transcoding pipeline:
// decode -> resample -> encode, independent of the subprocess-based
// video session pipeline. The codec stages are black boxes behind
// small interfaces, the same way the video pipeline treats the actual
// encoder as an external subprocess rather than a linked library.
package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Decoder turns one encoded input frame into interleaved 32-bit float
// PCM samples. Flush drains any samples buffered internally by the
// codec once input has ended.
type Decoder interface {
	Decode(encoded []byte) (pcm []float32, err error)
	Flush() (pcm []float32, err error)
}

// Resampler converts interleaved PCM to the transcoder's target sample
// rate and channel layout, both in 32-bit float.
type Resampler interface {
	Resample(pcm []float32) ([]float32, error)
}

// Encoder turns one frame_size-samples chunk of interleaved PCM into
// one encoded output frame.
type Encoder interface {
	Encode(pcm []float32) (encoded []byte, err error)
}

// Frame is one encoded output frame with its rewritten presentation
// timestamp.
type Frame struct {
	Data      []byte
	PTSMillis int64
}

// OutputCallback receives each encoded output frame, in cumulative-PTS
// order.
type OutputCallback func(Frame)

type pendingFrame struct {
	samples   []float32
	ptsMillis int64
}

// AudioTranscoder owns a decode worker and an encode worker connected
// by a bounded task queue. InputFrame feeds the decode worker
// synchronously-scheduled but the decode/resample/FIFO/encode work
// itself runs on the workers, so callers never block on codec work.
type AudioTranscoder struct {
	sampleRate int
	channels   int
	bitrate    int
	frameSize  int // samples per channel per output frame

	decoder   Decoder
	resampler Resampler
	encoder   Encoder
	logger    *slog.Logger

	fifoMu         sync.Mutex
	fifo           []float32
	totalSamples   int64
	overflowEvents int64
	droppedSamples int64

	onOutput atomic.Pointer[OutputCallback]

	decodeCh  chan []byte
	flushCh   chan struct{}
	encodeCh  chan pendingFrame

	decoderStop chan struct{}
	encoderStop chan struct{}
	decoderDone chan struct{}
	encoderDone chan struct{}

	closeOnce sync.Once
}

// New builds and starts an AudioTranscoder. decoder/resampler/encoder
// must already be configured for the (sampleRate, channels, bitrate)
// the caller intends to produce.
func New(decoder Decoder, resampler Resampler, encoder Encoder, sampleRate, channels, bitrate int, logger *slog.Logger) *AudioTranscoder {
	if logger == nil {
		logger = slog.Default()
	}
	t := &AudioTranscoder{
		sampleRate:  sampleRate,
		channels:    channels,
		bitrate:     bitrate,
		frameSize:   sampleRate * 20 / 1000,
		decoder:     decoder,
		resampler:   resampler,
		encoder:     encoder,
		logger:      logger,
		decodeCh:    make(chan []byte, 32),
		flushCh:     make(chan struct{}),
		encodeCh:    make(chan pendingFrame, 32),
		decoderStop: make(chan struct{}),
		encoderStop: make(chan struct{}),
		decoderDone: make(chan struct{}),
		encoderDone: make(chan struct{}),
	}
	go t.runEncoder()
	go t.runDecoder()
	return t
}

// SetOnOutput installs the output-frame callback. Pass nil to clear it.
func (t *AudioTranscoder) SetOnOutput(cb OutputCallback) {
	if cb == nil {
		t.onOutput.Store(nil)
		return
	}
	t.onOutput.Store(&cb)
}

// InputFrame feeds one encoded input frame to the decode worker. It
// never blocks on codec work; it only blocks if the decode queue is
// full.
func (t *AudioTranscoder) InputFrame(encoded []byte) bool {
	if len(encoded) == 0 {
		return false
	}
	select {
	case <-t.decoderDone:
		return false
	default:
	}
	select {
	case t.decodeCh <- encoded:
		return true
	case <-t.decoderDone:
		return false
	}
}

// Flush drains any PCM buffered inside the decoder.
func (t *AudioTranscoder) Flush() {
	select {
	case t.flushCh <- struct{}{}:
	case <-t.decoderDone:
	}
}

// Close tears the pipeline down: clear the output callback, stop the
// encoder worker, then stop the decoder worker, mirroring the
// original destructor's ordering so no callback fires on a
// half-destroyed transcoder.
func (t *AudioTranscoder) Close() {
	t.closeOnce.Do(func() {
		t.onOutput.Store(nil)
		close(t.encoderStop)
		<-t.encoderDone
		close(t.decoderStop)
		<-t.decoderDone
	})
}

func (t *AudioTranscoder) runDecoder() {
	defer close(t.decoderDone)
	for {
		select {
		case <-t.decoderStop:
			return
		case encoded, ok := <-t.decodeCh:
			if !ok {
				return
			}
			pcm, err := t.decoder.Decode(encoded)
			if err != nil {
				t.logger.Warn("audio decode failed", "error", err)
				continue
			}
			t.onDecoded(pcm)
		case <-t.flushCh:
			pcm, err := t.decoder.Flush()
			if err != nil {
				t.logger.Warn("audio decoder flush failed", "error", err)
				continue
			}
			t.onDecoded(pcm)
		}
	}
}

func (t *AudioTranscoder) onDecoded(pcm []float32) {
	if len(pcm) == 0 {
		return
	}
	resampled, err := t.resampler.Resample(pcm)
	if err != nil {
		t.logger.Warn("audio resample failed", "error", err)
		return
	}
	t.push(resampled)
	for _, frame := range t.drainFrames() {
		select {
		case t.encodeCh <- frame:
		case <-t.encoderDone:
			return
		case <-t.decoderStop:
			return
		}
	}
}

// push appends samples to the FIFO, applying the drop-oldest overflow
// policy: once buffered samples exceed frameSize*10, the oldest
// frameSize*2 samples are discarded before the new ones are written.
func (t *AudioTranscoder) push(samples []float32) {
	t.fifoMu.Lock()
	defer t.fifoMu.Unlock()

	frameLen := t.frameSize * t.channels
	if len(t.fifo)+len(samples) > frameLen*10 {
		drop := frameLen * 2
		if drop > len(t.fifo) {
			drop = len(t.fifo)
		}
		t.fifo = append([]float32(nil), t.fifo[drop:]...)
		t.overflowEvents++
		t.droppedSamples += int64(drop)
		t.logger.Warn("audio fifo overflow, dropping oldest samples", "dropped", drop)
	}

	if len(t.fifo)+len(samples) > frameLen*10 {
		// Still over capacity after the drop: refuse this batch rather
		// than grow unbounded.
		t.logger.Warn("audio fifo write short after overflow drop, dropping frame")
		return
	}
	t.fifo = append(t.fifo, samples...)
}

// drainFrames extracts every complete frame_size*channels chunk
// currently buffered, assigning each a cumulative-sample PTS.
func (t *AudioTranscoder) drainFrames() []pendingFrame {
	t.fifoMu.Lock()
	defer t.fifoMu.Unlock()

	frameLen := t.frameSize * t.channels
	var frames []pendingFrame
	for len(t.fifo) >= frameLen {
		samples := make([]float32, frameLen)
		copy(samples, t.fifo[:frameLen])
		t.fifo = t.fifo[frameLen:]

		ptsSamples := t.totalSamples
		t.totalSamples += int64(t.frameSize)
		ptsMillis := ptsSamples * 1000 / int64(t.sampleRate)

		frames = append(frames, pendingFrame{samples: samples, ptsMillis: ptsMillis})
	}
	return frames
}

func (t *AudioTranscoder) runEncoder() {
	defer close(t.encoderDone)
	for {
		select {
		case <-t.encoderStop:
			return
		case pf, ok := <-t.encodeCh:
			if !ok {
				return
			}
			encoded, err := t.encoder.Encode(pf.samples)
			if err != nil {
				t.logger.Warn("audio encode failed", "error", err)
				continue
			}
			if cb := t.onOutput.Load(); cb != nil && *cb != nil {
				(*cb)(Frame{Data: encoded, PTSMillis: pf.ptsMillis})
			}
		}
	}
}

// Stats returns overflow/drop counters for diagnostics.
func (t *AudioTranscoder) Stats() (overflowEvents, droppedSamples int64) {
	t.fifoMu.Lock()
	defer t.fifoMu.Unlock()
	return t.overflowEvents, t.droppedSamples
}
