package sessions

import "time"

// Age bucket labels reported by Stats, youngest first.
const (
	BucketUnder5Min  = "< 5min"
	Bucket5To20Min   = "5-20min"
	Bucket20MinTo1Hr = "20min-1hr"
	Bucket1To6Hr     = "1-6hr"
	Bucket6To24Hr    = "6-24hr"
	BucketOver24Hr   = "> 24hr"
)

// AgeBuckets lists every bucket label in ascending age order.
var AgeBuckets = []string{BucketUnder5Min, Bucket5To20Min, Bucket20MinTo1Hr, Bucket1To6Hr, Bucket6To24Hr, BucketOver24Hr}

// Stats summarizes the registry. Every bucket is present, possibly zero.
type Stats struct {
	Total int            `json:"total"`
	ByAge map[string]int `json:"byAge"`
}

func ageBucket(age time.Duration) string {
	switch {
	case age < 5*time.Minute:
		return BucketUnder5Min
	case age < 20*time.Minute:
		return Bucket5To20Min
	case age < time.Hour:
		return Bucket20MinTo1Hr
	case age < 6*time.Hour:
		return Bucket1To6Hr
	case age < 24*time.Hour:
		return Bucket6To24Hr
	default:
		return BucketOver24Hr
	}
}

// Stats reports the session count and age distribution. It has no side
// effects.
func (r *Registry[S]) Stats() Stats {
	now := r.clock.Now()
	st := Stats{ByAge: make(map[string]int, len(AgeBuckets))}
	for _, b := range AgeBuckets {
		st.ByAge[b] = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	st.Total = len(r.entries)
	for _, e := range r.entries {
		st.ByAge[ageBucket(now.Sub(e.createdAt))]++
	}
	return st
}
