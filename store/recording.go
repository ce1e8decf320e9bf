package store

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzchzchz/emgrx/rhx"
	"github.com/chzchzchz/emgrx/store/wav"
)

// RecordingStore files waveform windows by arm, one wave file per window.
// Samples are stored as signed amplifier counts, MicrovoltsPerBit apart.
type RecordingStore struct {
	baseDir string
}

func NewRecordingStore(dir string) (*RecordingStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &RecordingStore{dir}, nil
}

func (rs *RecordingStore) OpenFile(arm, label string) (*os.File, error) {
	fdir := filepath.Join(rs.baseDir, arm)
	if err := os.MkdirAll(fdir, 0755); err != nil {
		return nil, err
	}
	fn := filepath.Join(fdir, fmt.Sprintf("%d.%s.wav", time.Now().UnixNano(), label))
	return os.OpenFile(fn, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
}

func counts(uv float64) int16 {
	v := math.Round(uv / rhx.MicrovoltsPerBit)
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
}

// WriteWaveform stores w and returns the file path.
func (rs *RecordingStore) WriteWaveform(arm, label string, w *rhx.Waveform, rateHz float64) (string, error) {
	if len(w.Channels) == 0 {
		return "", fmt.Errorf("waveform has no channels")
	}
	f, err := rs.OpenFile(arm, label)
	if err != nil {
		return "", err
	}
	defer f.Close()
	ww, err := wav.NewWriter(f, int(math.Round(rateHz)), len(w.Channels))
	if err != nil {
		return "", err
	}
	samps := make([]int16, 0, w.Len()*len(w.Channels))
	for i := 0; i < w.Len(); i++ {
		for _, ch := range w.Channels {
			samps = append(samps, counts(ch[i]))
		}
	}
	if err := ww.WriteSamples(samps); err != nil {
		return "", err
	}
	if err := ww.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

type RecordingFile struct {
	Arm   string
	Label string
	Date  time.Time
	Path  string
}

// Recordings lists the stored windows of arm, oldest first.
func (rs *RecordingStore) Recordings(arm string) (ret []RecordingFile, err error) {
	fdir := filepath.Join(rs.baseDir, arm)
	files, err := os.ReadDir(fdir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, file := range files {
		spl := strings.Split(file.Name(), ".")
		if len(spl) != 3 || spl[2] != "wav" {
			continue
		}
		ntime, err := strconv.ParseInt(spl[0], 10, 64)
		if err != nil {
			continue
		}
		ret = append(ret, RecordingFile{
			Arm:   arm,
			Label: spl[1],
			Date:  time.Unix(0, ntime),
			Path:  filepath.Join(fdir, file.Name()),
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Date.Before(ret[j].Date) })
	return ret, nil
}

// ReadWaveform loads a stored window back as microvolts with timestamps
// starting at zero. It also returns the sample rate.
func (rs *RecordingStore) ReadWaveform(path string) (*rhx.Waveform, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	r, err := wav.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	chs, err := r.ReadChannels()
	if err != nil {
		return nil, 0, err
	}
	rate := float64(r.SampleRate())
	w := &rhx.Waveform{Channels: make([][]float64, len(chs))}
	for c, samps := range chs {
		w.Channels[c] = make([]float64, len(samps))
		for i, v := range samps {
			w.Channels[c][i] = float64(v) * rhx.MicrovoltsPerBit
		}
	}
	if len(chs) > 0 {
		w.Timestamps = make([]float64, len(chs[0]))
		for i := range w.Timestamps {
			w.Timestamps[i] = float64(i) / rate
		}
	}
	return w, rate, nil
}
