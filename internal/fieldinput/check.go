package fieldinput

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/formchat/internal/schema"
)

// Check returns advisory warnings for raw against the field's type and
// validation hints. It never blocks sending; the agent is the authority.
func Check(f schema.Field, raw string) []string {
	var warnings []string
	value := strings.TrimSpace(raw)

	if value == "" {
		if f.Required {
			warnings = append(warnings, f.DisplayName()+" is required")
		}
		return warnings
	}

	switch f.Type {
	case schema.TypeNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			warnings = append(warnings, "expected a number")
			break
		}
		warnings = append(warnings, checkBounds(f.Validation, n)...)
	case schema.TypeEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			warnings = append(warnings, "expected an email address")
		}
	case schema.TypeDate:
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			warnings = append(warnings, "expected a date (YYYY-MM-DD)")
		}
	case schema.TypeSelect:
		if !f.HasOption(raw) {
			warnings = append(warnings, "expected one of: "+strings.Join(f.Options, ", "))
		}
	case schema.TypeText, schema.TypeTextarea:
		warnings = append(warnings, checkBounds(f.Validation, float64(len([]rune(value))))...)
	case schema.TypePhone, schema.TypeFile:
	}

	if f.Validation != nil && f.Validation.Pattern != "" {
		re, err := regexp.Compile(f.Validation.Pattern)
		if err == nil && !re.MatchString(value) {
			warnings = append(warnings, "does not match the expected format")
		}
	}

	return warnings
}

func checkBounds(v *schema.Validation, n float64) []string {
	if v == nil {
		return nil
	}
	var warnings []string
	if v.Min != nil && n < *v.Min {
		warnings = append(warnings, fmt.Sprintf("must be at least %g", *v.Min))
	}
	if v.Max != nil && n > *v.Max {
		warnings = append(warnings, fmt.Sprintf("must be at most %g", *v.Max))
	}
	return warnings
}
