package table

import (
	"fmt"
	"slices"

	"github.com/maloquacious/apam/internal/store"
)

// DefaultResultsPerPage is the page size of a new Pager.
const DefaultResultsPerPage = 10

// PageIndexError reports a move to a page outside 1..Pages.
type PageIndexError struct {
	Index int
	Pages int
}

func (e *PageIndexError) Error() string {
	msg := fmt.Sprintf("cannot switch to page %d", e.Index)
	switch {
	case e.Index < 1:
		msg += ": too low"
	case e.Index > e.Pages:
		msg += ": too high"
	}
	return msg
}

// Is matches store.ErrInvalidArgument.
func (e *PageIndexError) Is(target error) bool { return target == store.ErrInvalidArgument }

// NonPositiveError reports a count that must be positive.
type NonPositiveError struct {
	Value int
}

func (e *NonPositiveError) Error() string {
	return fmt.Sprintf("a numeric value that should be positive is not: received %d", e.Value)
}

// Is matches store.ErrInvalidArgument.
func (e *NonPositiveError) Is(target error) bool { return target == store.ErrInvalidArgument }

// Settings configures a Pager. Zero fields are left unchanged.
type Settings struct {
	TotalResults int
	Headers      []string
}

// PagerState is a snapshot of a Pager.
type PagerState struct {
	TotalResults   int      `json:"total_results"`
	TotalPages     int      `json:"total_pages"`
	CurrentPage    int      `json:"current_page"`
	ResultsPerPage int      `json:"results_per_page"`
	Headers        []string `json:"headers"`
}

// Pager navigates the pages of a result set. It is not safe for
// concurrent use.
type Pager struct {
	state PagerState
}

// NewPager returns a pager over an empty result set.
func NewPager() *Pager {
	p := &Pager{state: PagerState{ResultsPerPage: DefaultResultsPerPage, Headers: []string{}}}
	p.recount()
	return p
}

// State returns a copy of the pager state.
func (p *Pager) State() PagerState {
	s := p.state
	s.Headers = slices.Clone(p.state.Headers)
	return s
}

// Config sets the result count and headers.
func (p *Pager) Config(s Settings) error {
	if s.TotalResults < 0 {
		return &NonPositiveError{Value: s.TotalResults}
	}
	if s.TotalResults > 0 {
		p.state.TotalResults = s.TotalResults
	}
	if s.Headers != nil {
		p.state.Headers = slices.Clone(s.Headers)
	}
	p.recount()
	return nil
}

// SetTotalResults sets the number of results.
func (p *Pager) SetTotalResults(n int) error {
	if n < 1 {
		return &NonPositiveError{Value: n}
	}
	p.state.TotalResults = n
	p.recount()
	return nil
}

// SetResultsPerPage sets the page size.
func (p *Pager) SetResultsPerPage(n int) error {
	if n < 1 {
		return &NonPositiveError{Value: n}
	}
	p.state.ResultsPerPage = n
	p.recount()
	return nil
}

// NextPage moves one page forward.
func (p *Pager) NextPage() error {
	return p.ToPage(p.state.CurrentPage + 1)
}

// PreviousPage moves one page back.
func (p *Pager) PreviousPage() error {
	return p.ToPage(p.state.CurrentPage - 1)
}

// ToPage moves to page n.
func (p *Pager) ToPage(n int) error {
	if n < 1 || n > p.state.TotalPages {
		return &PageIndexError{Index: n, Pages: p.state.TotalPages}
	}
	p.state.CurrentPage = n
	return nil
}

// Offset is the index of the first result on the current page.
func (p *Pager) Offset() int {
	if p.state.CurrentPage < 1 {
		return 0
	}
	return (p.state.CurrentPage - 1) * p.state.ResultsPerPage
}

// recount keeps the current page within the page count. An empty result
// set still has one page.
func (p *Pager) recount() {
	pages := (p.state.TotalResults + p.state.ResultsPerPage - 1) / p.state.ResultsPerPage
	p.state.TotalPages = max(pages, 1)
	p.state.CurrentPage = min(max(p.state.CurrentPage, 1), p.state.TotalPages)
}
