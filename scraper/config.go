package scraper

// DefaultAnchor is the label the extractor looks for when none is configured.
const DefaultAnchor = "Informatyka I rok"

// ExtractConfig defines how to pull the watched value out of a page: find the
// first text node equal to Anchor, then follow Path from it.
type ExtractConfig struct {
	Anchor string
	Path   []Step
}

// NewExtractConfig creates an extraction configuration with the default
// navigation path. An empty anchor falls back to DefaultAnchor.
func NewExtractConfig(anchor string) ExtractConfig {
	if anchor == "" {
		anchor = DefaultAnchor
	}
	return ExtractConfig{
		Anchor: anchor,
		Path:   DefaultPath(),
	}
}
