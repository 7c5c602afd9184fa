package pipeline

// Category keys used in Stats.Categories.
const (
	CategoryCSS    = "css"
	CategoryJS     = "js"
	CategoryImages = "images"
	CategoryFonts  = "fonts"
	CategoryHTML   = "html"
)

// CategoryStats is the byte accounting for one asset category. Assets whose
// transform produced nothing smaller count as kept: optimized equals
// original, so the totals always cover every asset seen.
type CategoryStats struct {
	OriginalBytes  int64 `json:"originalBytes"`
	OptimizedBytes int64 `json:"optimizedBytes"`
}

// PageStats is the before/after size of one rewritten page.
type PageStats struct {
	URL         string `json:"url"`
	Path        string `json:"path"`
	BytesBefore int64  `json:"bytesBefore"`
	BytesAfter  int64  `json:"bytesAfter"`
}

// Stats summarizes one build for the agent loop and the final report.
type Stats struct {
	Categories     map[string]CategoryStats `json:"categories"`
	FacadesApplied int                      `json:"facadesApplied"`
	ScriptsRemoved int                      `json:"scriptsRemoved"`
	Pages          []PageStats              `json:"pages"`
}

func (s *Stats) add(category string, before, after int64) {
	if s.Categories == nil {
		s.Categories = map[string]CategoryStats{}
	}
	c := s.Categories[category]
	c.OriginalBytes += before
	c.OptimizedBytes += after
	s.Categories[category] = c
}

// TotalSavings sums the bytes saved across categories; categories that grew
// contribute nothing rather than negating others.
func (s *Stats) TotalSavings() int64 {
	var n int64
	for _, c := range s.Categories {
		if d := c.OriginalBytes - c.OptimizedBytes; d > 0 {
			n += d
		}
	}
	return n
}
