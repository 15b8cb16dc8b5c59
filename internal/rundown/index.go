package rundown

import (
	"strconv"

	"github.com/kimhsiao/rundown/internal/models"
)

// HeaderLetter returns the letter sequence for the n-th header (0-based):
// A … Z, AA, AB, … like spreadsheet columns.
func HeaderLetter(n int) string {
	var buf [8]byte
	i := len(buf)
	for n >= 0 {
		i--
		buf[i] = byte('A' + n%26)
		n = n/26 - 1
	}
	return string(buf[i:])
}

// RowLabels computes the row label of every item in one pass. Headers are
// labelled with their letter; regular items with the letter of the nearest
// preceding header followed by a number that restarts at 1 after each
// header. Items above the first header are numbered without a letter.
// Floated items keep their number: they stay in the list.
func RowLabels(items []models.Item) map[string]string {
	labels := make(map[string]string, len(items))
	headers := 0
	letter := ""
	n := 0

	for i := range items {
		item := &items[i]
		if item.IsHeader() {
			letter = HeaderLetter(headers)
			headers++
			n = 0
			labels[item.ID] = letter
			continue
		}
		n++
		labels[item.ID] = letter + strconv.Itoa(n)
	}
	return labels
}

// RowLabel returns the label of one item, or "" when id is not in items.
func RowLabel(items []models.Item, id string) string {
	return RowLabels(items)[id]
}
