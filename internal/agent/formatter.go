package agent

import (
	"fmt"

	"github.com/querychat/querychat/internal/warehouse"
)

// Summarize turns an execution result into a short conversational
// summary. Pure and deterministic; never fails on well-formed input.
func Summarize(res *warehouse.Result) string {
	switch {
	case res.RowCount == 0:
		return "I found no results for your query."
	case res.RowCount == 1 && len(res.Columns) == 1:
		return fmt.Sprintf("The answer is: %v", res.Rows[0][0])
	default:
		return fmt.Sprintf("I found %d results for your query.", res.RowCount)
	}
}
