package pipeline

import (
	"sync"
	"time"

	"property-sync/models"
	"property-sync/services"
	"property-sync/storage"
)

// Source names the tier that produced the displayed data.
type Source string

const (
	SourceNone      Source = ""
	SourceBootstrap Source = "bootstrap"
	SourceLocal     Source = "local"
	SourceShared    Source = "shared"
	SourceSnapshot  Source = "snapshot"
	SourceUpstream  Source = "upstream"
)

// Output is the read-only view handed to the dashboard.
type Output struct {
	Properties        []models.CanonicalListing `json:"properties"`
	AllProperties     []models.CanonicalListing `json:"allProperties"`
	Loading           bool                      `json:"loading"`
	Error             string                    `json:"error,omitempty"`
	Stats             models.Stats              `json:"stats"`
	LoadingProgress   models.LoadingProgress    `json:"loadingProgress"`
	IsApplyingFilters bool                      `json:"isApplyingFilters"`
	IsDownloading     bool                      `json:"isDownloading"`
	LastUpdated       time.Time                 `json:"lastUpdated"`
	SharedCacheStatus storage.SharedStatus      `json:"sharedCacheStatus"`
	Source            Source                    `json:"source"`
}

// State is everything the pipeline owns between resolutions. The canonical
// set is replaced by reference and never mutated in place, so readers may
// keep a slice they obtained under the lock.
type State struct {
	mu sync.RWMutex

	all        []models.CanonicalListing
	source     Source
	projection services.Projection
	filter     models.FilterSpec
	user       *models.User

	loading     bool
	downloading bool
	applying    bool
	err         error
	progress    models.LoadingProgress
	lastUpdated time.Time

	// displayed is set once anything at all has been shown.
	displayed bool
	// adoptions counts adopted sets; tier reads compare it to detect a
	// newer set.
	adoptions uint64
}

// adopt swaps in a new canonical set and recomputes the projection in the
// same critical section.
func (s *State) adopt(source Source, set []models.CanonicalListing, ts time.Time) services.Projection {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = set
	s.source = source
	s.projection = services.Project(set, s.filter, s.user)
	s.lastUpdated = ts
	s.loading = false
	s.err = nil
	s.displayed = true
	s.adoptions++
	return s.projection
}

func (s *State) epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adoptions
}

func (s *State) currentSource() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// reproject recomputes the projection for the current filter and user if
// current still holds under the lock. A newer pending change keeps the
// applying flag raised.
func (s *State) reproject(current func() bool) (services.Projection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !current() {
		return s.projection, false
	}
	s.projection = services.Project(s.all, s.filter, s.user)
	s.applying = false
	return s.projection, true
}

// setFilter records spec and runs schedule under the same lock, so a
// reprojection cannot slip in between.
func (s *State) setFilter(spec models.FilterSpec, schedule func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = spec
	s.applying = true
	schedule()
}

func (s *State) setUser(u *models.User, schedule func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
	s.applying = true
	schedule()
}

// beginLoading raises the loading flag only while nothing is displayed.
func (s *State) beginLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.displayed {
		s.loading = true
	}
}

func (s *State) setDownloading(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloading = on
}

func (s *State) setProgress(p models.LoadingProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = p
}

// fail records err for display when nothing has ever been shown. It reports
// whether the error became visible.
func (s *State) fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if s.displayed {
		return false
	}
	s.err = err
	return true
}

// replaced reports whether some tier has superseded the bootstrap set.
func (s *State) replaced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source != SourceNone && s.source != SourceBootstrap
}

func (s *State) applyingFilters() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applying
}

func (s *State) output() Output {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Output{
		Properties:        s.projection.Filtered,
		AllProperties:     s.all,
		Loading:           s.loading,
		Stats:             s.projection.Stats,
		LoadingProgress:   s.progress,
		IsApplyingFilters: s.applying,
		IsDownloading:     s.downloading,
		LastUpdated:       s.lastUpdated,
		Source:            s.source,
	}
	if s.err != nil {
		out.Error = s.err.Error()
	}
	return out
}
