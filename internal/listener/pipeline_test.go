package listener_test

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/wordwatch/internal/keyword"
	"github.com/MrWong99/wordwatch/internal/listener"
	"github.com/MrWong99/wordwatch/internal/transcribe"
	"github.com/MrWong99/wordwatch/pkg/audio"
	"github.com/MrWong99/wordwatch/pkg/provider/stt/mock"
	"github.com/MrWong99/wordwatch/pkg/provider/vad/energy"
)

// speechLike returns n samples at rate: a 200 Hz tone with harmonics under
// a 4 Hz syllable envelope, starting after lead samples of faint noise.
func speechLike(n, lead, rate int) []float32 {
	rng := rand.New(rand.NewPCG(1, 2))
	out := make([]float32, n)
	for i := range out {
		noise := (rng.Float64()*2 - 1) * 0.002
		if i < lead {
			out[i] = float32(noise)
			continue
		}
		ts := float64(i) / float64(rate)
		env := 0.6 + 0.4*math.Sin(2*math.Pi*4*ts)
		v := math.Sin(2*math.Pi*200*ts) + 0.5*math.Sin(2*math.Pi*400*ts) + 0.25*math.Sin(2*math.Pi*800*ts)
		out[i] = float32(0.3*env*v + noise)
	}
	return out
}

func TestPipeline_EndToEnd(t *testing.T) {
	sess := &mock.Session{Text: "boom"}
	w := transcribe.New(&mock.Provider{Session: sess}, "stub.bin")
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = w.Shutdown(3 * time.Second) })
	<-w.Ready()

	clk := newClock()
	l, err := listener.New(w, keyword.NewDetector(keyword.WithIsolate(true)), energy.New(),
		listener.WithClock(clk.Now),
	)
	if err != nil {
		t.Fatalf("listener.New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	const rate = 48000
	frame := audio.SamplesFor(20*time.Millisecond, rate)
	signal := speechLike(rate*3/2, rate/5, rate) // 1.5 s, the first 200 ms quiet
	for off := 0; off+frame <= len(signal); off += frame {
		l.PushFrame(audio.AudioFrame{
			Data:       audio.Int16ToBytes(audio.Float32ToInt16(signal[off : off+frame])),
			SampleRate: rate,
			Channels:   1,
		})
		clk.Advance(20 * time.Millisecond)
		l.Tick(clk.Now())
	}

	if !l.Status().Speaking {
		t.Fatal("detector never entered speech")
	}

	var rep listener.Report
	waitFor(t, "match", func() bool {
		rep = l.Check([]string{"boom"})
		return len(rep.Matches) > 0
	})
	m := rep.Matches[0]
	if m.Word != "boom" || m.Method != keyword.MethodExact {
		t.Errorf("match = %+v", m)
	}

	// The engine got loud, resampled audio.
	calls := sess.Calls()
	if len(calls) == 0 {
		t.Fatal("engine never called")
	}
	var peak float32
	for _, v := range calls[0].Samples {
		peak = max(peak, v, -v)
	}
	if peak < 0.2 {
		t.Errorf("window peak = %f, want speech-level audio", peak)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
