package traffic

import "errors"

// RoadStatus is the control-surface view of one source.
type RoadStatus struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	Discipline   Discipline `json:"discipline"`
	ROI          ROI        `json:"roi"`
	Line         *Line      `json:"line,omitempty"`
	CountsNow    Counts     `json:"counts_now"`
	CountsSmooth Smoothed   `json:"counts_smooth"`
	Level        Level      `json:"level"`
	Crossed      *Counts    `json:"crossed,omitempty"`
	FPS          float64    `json:"fps"`
}

// CrossingStats is the /stats view of a crossing-counting source.
type CrossingStats struct {
	Vehicle int     `json:"vehicle"`
	Person  int     `json:"person"`
	FPS     float64 `json:"fps"`
	State   string  `json:"state"`
	Running bool    `json:"running"`
}

// Service applies the control-surface operations to the Registry. Each
// operation touches only the named source.
type Service struct {
	reg *Registry
}

// NewService returns a Service over reg.
func NewService(reg *Registry) *Service {
	return &Service{reg: reg}
}

// AddSource registers and starts a new source.
func (s *Service) AddSource(cfg SourceConfig) (RoadStatus, error) {
	w, err := s.reg.Add(cfg)
	if err != nil {
		return RoadStatus{}, err
	}
	return statusOf(w), nil
}

// RemoveSource stops a source and forgets it.
func (s *Service) RemoveSource(id string) error {
	return s.reg.Remove(id)
}

// StartSource starts a stopped source again; running sources are left alone.
func (s *Service) StartSource(id string) (RoadStatus, error) {
	w, err := s.reg.Start(id)
	if err != nil {
		return RoadStatus{}, err
	}
	return statusOf(w), nil
}

// StopSource stops a source and releases its capture handle.
func (s *Service) StopSource(id string) error {
	return s.reg.Stop(id)
}

// ResetCounter clears a source's crossing counter.
func (s *Service) ResetCounter(id string) error {
	w, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	return w.Reset()
}

// SetLine replaces a source's crossing line.
func (s *Service) SetLine(id string, l Line) error {
	w, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	return w.SetLine(l)
}

// SetROI replaces a source's region of interest.
func (s *Service) SetROI(id string, r ROI) error {
	w, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	return w.SetROI(r)
}

// Stats returns a crossing-counting source's totals with its frame rate and
// run state. A stopped source reports the totals it last published.
func (s *Service) Stats(id string) (CrossingStats, error) {
	w, err := s.reg.Get(id)
	if err != nil {
		return CrossingStats{}, err
	}
	m := w.Latest()
	c, err := w.Crossings()
	if errors.Is(err, ErrSourceClosed) && w.Config().Discipline.crossing() {
		c, err = Counts{}, nil
		if m.Crossed != nil {
			c = *m.Crossed
		}
	}
	if err != nil {
		return CrossingStats{}, err
	}
	return CrossingStats{
		Vehicle: c.Vehicles,
		Person:  c.People,
		FPS:     m.FPS,
		State:   w.State().String(),
		Running: w.Live(),
	}, nil
}

// Road returns the status of one source.
func (s *Service) Road(id string) (RoadStatus, error) {
	w, err := s.reg.Get(id)
	if err != nil {
		return RoadStatus{}, err
	}
	return statusOf(w), nil
}

// Roads returns the status of every source ordered by id.
func (s *Service) Roads() []RoadStatus {
	workers := s.reg.Workers()
	out := make([]RoadStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, statusOf(w))
	}
	return out
}

// LiveCount returns the number of running sources.
func (s *Service) LiveCount() int {
	return s.reg.LiveCount()
}

func statusOf(w *Worker) RoadStatus {
	cfg := w.Config()
	m := w.Latest()
	st := RoadStatus{
		ID:           cfg.ID,
		Name:         w.Name(),
		State:        w.State().String(),
		Discipline:   cfg.Discipline,
		ROI:          cfg.ROI,
		CountsNow:    m.Now,
		CountsSmooth: Smoothed{Vehicles: round1(m.Smooth.Vehicles), People: round1(m.Smooth.People)},
		Level:        m.Level,
		Crossed:      m.Crossed,
		FPS:          m.FPS,
	}
	if cfg.Discipline.crossing() {
		l := cfg.Line
		st.Line = &l
	}
	return st
}
