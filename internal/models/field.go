package models

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/rundown/internal/errors"
)

// Field names an editable field of an item or of the rundown itself.
type Field string

const (
	FieldName       Field = "name"
	FieldDuration   Field = "duration"
	FieldScript     Field = "script"
	FieldTalent     Field = "talent"
	FieldNotes      Field = "notes"
	FieldColor      Field = "color"
	FieldIsFloating Field = "isFloating"
	FieldIsFloated  Field = "isFloated"

	// Rundown-level fields, addressed with an empty item id.
	FieldTitle      Field = "title"
	FieldStartTime  Field = "startTime"
	FieldShowcaller Field = "showcallerState"

	customFieldPrefix = "custom:"
)

// CustomField returns the field name addressing customFields[key].
func CustomField(key string) Field {
	return Field(customFieldPrefix + key)
}

// IsCustom reports whether f addresses a custom field.
func (f Field) IsCustom() bool {
	return strings.HasPrefix(string(f), customFieldPrefix) && len(f) > len(customFieldPrefix)
}

// CustomKey returns the customFields key for a custom field.
func (f Field) CustomKey() string {
	return strings.TrimPrefix(string(f), customFieldPrefix)
}

// IsAtomic reports whether edits to f commit immediately instead of being
// debounced. Atomic fields change rarely and drive timing, so they are
// written with an expected version.
func (f Field) IsAtomic() bool {
	switch f {
	case FieldDuration, FieldColor, FieldIsFloating, FieldIsFloated, FieldStartTime, FieldShowcaller:
		return true
	}
	return false
}

// AffectsEligibility reports whether a change to f can take an item in or
// out of timing and navigation.
func (f Field) AffectsEligibility() bool {
	return f == FieldIsFloating || f == FieldIsFloated
}

// IsDocumentField reports whether f belongs to the rundown rather than an item.
func (f Field) IsDocumentField() bool {
	return f == FieldTitle || f == FieldStartTime || f == FieldShowcaller
}

// Validate checks that f is a known field name.
func (f Field) Validate() error {
	switch f {
	case FieldName, FieldDuration, FieldScript, FieldTalent, FieldNotes, FieldColor,
		FieldIsFloating, FieldIsFloated, FieldTitle, FieldStartTime, FieldShowcaller:
		return nil
	}
	if f.IsCustom() {
		return nil
	}
	return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown field %q", f))
}

// FieldKey identifies one field of one item: the unit of edit tracking.
type FieldKey string

// Key builds the FieldKey for itemID and f. Rundown-level fields use the
// "doc" pseudo item.
func Key(itemID string, f Field) FieldKey {
	if itemID == "" {
		itemID = "doc"
	}
	return FieldKey(itemID + "/" + string(f))
}

// Split returns the item id and field of k. The "doc" pseudo item is
// returned as an empty item id.
func (k FieldKey) Split() (string, Field) {
	i := strings.Index(string(k), "/")
	if i < 0 {
		return "", Field(k)
	}
	itemID, f := string(k[:i]), Field(k[i+1:])
	if itemID == "doc" {
		itemID = ""
	}
	return itemID, f
}
