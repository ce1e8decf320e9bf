package store

import (
	"encoding/csv"
	"encoding/gob"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chzchzchz/emgrx/flex"
)

// CalibrationStore keeps the latest calibration of each arm.
type CalibrationStore struct {
	cals map[string]flex.Calibration
	rwmu sync.RWMutex
}

func NewCalibrationStore() *CalibrationStore {
	return &CalibrationStore{cals: make(map[string]flex.Calibration)}
}

func (s *CalibrationStore) Load(fpath string) error {
	f, err := os.Open(fpath)
	if err != nil {
		return err
	}
	defer f.Close()
	s.rwmu.Lock()
	defer s.rwmu.Unlock()
	return gob.NewDecoder(f).Decode(&s.cals)
}

func (s *CalibrationStore) Save(fpath string) error {
	f, err := os.OpenFile(fpath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	s.rwmu.RLock()
	err = gob.NewEncoder(f).Encode(&s.cals)
	s.rwmu.RUnlock()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *CalibrationStore) Get(arm string) (flex.Calibration, bool) {
	s.rwmu.RLock()
	defer s.rwmu.RUnlock()
	c, ok := s.cals[arm]
	return c, ok
}

func (s *CalibrationStore) Put(c flex.Calibration) {
	s.rwmu.Lock()
	s.cals[c.Arm] = c
	s.rwmu.Unlock()
}

// Calibrations lists every stored calibration ordered by arm.
func (s *CalibrationStore) Calibrations() []flex.Calibration {
	s.rwmu.RLock()
	ret := make([]flex.Calibration, 0, len(s.cals))
	for _, v := range s.cals {
		ret = append(ret, v)
	}
	s.rwmu.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Arm < ret[j].Arm })
	return ret
}

func (s *CalibrationStore) ExportCSV(w io.Writer) error {
	csvw := csv.NewWriter(w)
	csvw.Comma = ';'
	csvw.Write([]string{"arm", "channel", "policy", "rate_hz", "rest", "flex", "ratio", "threshold", "date"})
	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, c := range s.Calibrations() {
		csvw.Write([]string{
			c.Arm, c.Channel, c.Policy, ff(c.SampleRateHz),
			ff(c.Rest), ff(c.Flex), ff(c.Ratio), ff(c.Threshold),
			c.At.Format(time.RFC3339),
		})
	}
	csvw.Flush()
	return csvw.Error()
}
