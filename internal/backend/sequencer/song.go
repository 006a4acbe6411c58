package sequencer

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"
)

// defaultSecondsPerBeat applies until the first tempo event (120 BPM)
const defaultSecondsPerBeat = 0.5

// ErrNoTempoMap is returned by conversions when the loaded file is not
// metrically timed
var ErrNoTempoMap = errors.New("file has no tempo map")

// tempoSegment is a stretch of constant tempo starting at beat
type tempoSegment struct {
	beat           float64
	seconds        float64 // wall time at beat
	secondsPerBeat float64
}

// timedEvent is a channel message at an absolute beat
type timedEvent struct {
	beat float64
	msg  []byte
}

// song is a parsed Standard MIDI File
type song struct {
	metric  bool
	lengths []float64 // per track, in beats
	tempo   []tempoSegment
	events  []timedEvent
}

// parseSong reads an SMF and derives track lengths, the tempo map and the
// merged list of playable events.
//
// Beats are quarter notes. For SMPTE-timed files ticks are converted through
// wall time at the default tempo, which matches the fallback applied when no
// tempo map is available.
func parseSong(r io.Reader) (*song, error) {
	file, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIDI file: %w", err)
	}

	var toBeats func(ticks uint64) float64
	s := &song{}
	switch tf := file.TimeFormat.(type) {
	case smf.MetricTicks:
		if tf.Resolution() == 0 {
			return nil, fmt.Errorf("invalid MIDI resolution 0")
		}
		s.metric = true
		res := float64(tf.Resolution())
		toBeats = func(ticks uint64) float64 { return float64(ticks) / res }
	case smf.TimeCode:
		perSecond := float64(tf.FramesPerSecond) * float64(tf.SubFrames)
		if perSecond == 0 {
			return nil, fmt.Errorf("invalid SMPTE time format")
		}
		toBeats = func(ticks uint64) float64 {
			return float64(ticks) / perSecond / defaultSecondsPerBeat
		}
	default:
		return nil, fmt.Errorf("unsupported MIDI time format %v", file.TimeFormat)
	}

	type tempoChange struct {
		beat float64
		bpm  float64
	}
	var changes []tempoChange

	for _, track := range file.Tracks {
		var ticks uint64
		for _, ev := range track {
			ticks += uint64(ev.Delta)
			beat := toBeats(ticks)

			var bpm float64
			switch {
			case ev.Message.GetMetaTempo(&bpm):
				if bpm > 0 {
					changes = append(changes, tempoChange{beat: beat, bpm: bpm})
				}
			case ev.Message.IsPlayable():
				s.events = append(s.events, timedEvent{beat: beat, msg: append([]byte(nil), ev.Message...)})
			}
		}
		s.lengths = append(s.lengths, toBeats(ticks))
	}

	sort.SliceStable(s.events, func(i, j int) bool { return s.events[i].beat < s.events[j].beat })
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].beat < changes[j].beat })

	s.tempo = []tempoSegment{{secondsPerBeat: defaultSecondsPerBeat}}
	if s.metric {
		for _, ch := range changes {
			last := &s.tempo[len(s.tempo)-1]
			spb := 60 / ch.bpm
			if ch.beat == last.beat {
				last.secondsPerBeat = spb
				continue
			}
			s.tempo = append(s.tempo, tempoSegment{
				beat:           ch.beat,
				seconds:        last.seconds + (ch.beat-last.beat)*last.secondsPerBeat,
				secondsPerBeat: spb,
			})
		}
	}
	return s, nil
}

// secondsAt converts a beat position to wall time through the tempo map
func (s *song) secondsAt(beats float64) float64 {
	i := sort.Search(len(s.tempo), func(i int) bool { return s.tempo[i].beat > beats }) - 1
	if i < 0 {
		i = 0
	}
	seg := s.tempo[i]
	return seg.seconds + (beats-seg.beat)*seg.secondsPerBeat
}

// beatsAt converts wall time to a beat position through the tempo map
func (s *song) beatsAt(seconds float64) float64 {
	i := sort.Search(len(s.tempo), func(i int) bool { return s.tempo[i].seconds > seconds }) - 1
	if i < 0 {
		i = 0
	}
	seg := s.tempo[i]
	return seg.beat + (seconds-seg.seconds)/seg.secondsPerBeat
}

// eventIndex returns the index of the first event at or after beat
func (s *song) eventIndex(beat float64) int {
	return sort.Search(len(s.events), func(i int) bool { return s.events[i].beat >= beat })
}
