package tracking

import (
	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// Counts tallies rows by status and category.
type Counts struct {
	Total      int                     `json:"total"`
	ByStatus   map[status.Code]int     `json:"by_status"`
	ByCategory map[status.Category]int `json:"by_category"`
}

// NewCounts returns empty counts.
func NewCounts() Counts {
	return Counts{
		ByStatus:   map[status.Code]int{},
		ByCategory: map[status.Category]int{},
	}
}

// Tally counts jobs by status.
func Tally(jobs []job.Job) Counts {
	c := NewCounts()
	for _, j := range jobs {
		c.Add(j.Status)
	}
	return c
}

// Add counts one row with code c.
func (c *Counts) Add(code status.Code) {
	if c.ByStatus == nil {
		c.ByStatus = map[status.Code]int{}
	}
	if c.ByCategory == nil {
		c.ByCategory = map[status.Category]int{}
	}
	c.Total++
	c.ByStatus[code]++
	c.ByCategory[status.CategoryOf(code)]++
}

// Remove uncounts one row with code c.
func (c *Counts) Remove(code status.Code) {
	if c.ByStatus[code] == 0 {
		return
	}
	cat := status.CategoryOf(code)
	c.Total--
	c.ByStatus[code]--
	c.ByCategory[cat]--
	if c.ByStatus[code] == 0 {
		delete(c.ByStatus, code)
	}
	if c.ByCategory[cat] == 0 {
		delete(c.ByCategory, cat)
	}
}

// Failed returns the number of rows in an error state.
func (c Counts) Failed() int { return c.ByCategory[status.CategoryError] }

// Succeeded returns the number of rows in a success state.
func (c Counts) Succeeded() int { return c.ByCategory[status.CategorySuccess] }
