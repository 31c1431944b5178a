package call

import "sync"

// SpeakerMap maps audio track ids, local and remote, to display names.
type SpeakerMap struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewSpeakerMap() *SpeakerMap {
	return &SpeakerMap{m: make(map[string]string)}
}

func (s *SpeakerMap) Set(trackID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[trackID] = name
}

func (s *SpeakerMap) Get(trackID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.m[trackID]
	return n, ok
}

func (s *SpeakerMap) Delete(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, trackID)
}

func (s *SpeakerMap) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]string)
}

func (s *SpeakerMap) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *SpeakerMap) Copy() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}
