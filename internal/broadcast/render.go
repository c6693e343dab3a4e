package broadcast

import "strings"

// Placeholders understood by template bodies. The operator's free text is
// substituted once at schedule time; the contact name at send time.
const (
	PlaceholderMessage = "{message}"
	PlaceholderName    = "{name}"
)

// FillMessage substitutes the operator's free text into a template body.
// Called once when the job is created.
func FillMessage(template, message string) string {
	return strings.ReplaceAll(template, PlaceholderMessage, message)
}

// FillName substitutes the contact name. Called per contact at send time.
// Unknown placeholders are left as-is.
func FillName(body, name string) string {
	return strings.ReplaceAll(body, PlaceholderName, name)
}
