package abuse

import "net/url"

// HidingTechnique is how a decoy field is kept away from sighted users. The
// default set mixes techniques so that a bot honouring only one of them still
// fills in the others.
type HidingTechnique string

const (
	DisplayNone      HidingTechnique = "display-none"
	OffScreen        HidingTechnique = "off-screen"
	ZeroSize         HidingTechnique = "zero-size"
	VisibilityHidden HidingTechnique = "visibility-hidden"
)

var techniqueStyles = map[HidingTechnique]string{
	DisplayNone:      "display:none",
	OffScreen:        "position:absolute;left:-10000px;top:auto;width:1px;height:1px;overflow:hidden",
	ZeroSize:         "width:0;height:0;padding:0;border:0;opacity:0",
	VisibilityHidden: "visibility:hidden;position:absolute",
}

// HoneypotField is a decoy input rendered with the form.
type HoneypotField struct {
	Name      string          `json:"name"`
	Label     string          `json:"label"`
	Technique HidingTechnique `json:"technique"`
	Style     string          `json:"style"`
}

func DefaultHoneypotFields() []HoneypotField {
	fields := []HoneypotField{
		{Name: "website", Label: "Website", Technique: DisplayNone},
		{Name: "company_url", Label: "Company URL", Technique: OffScreen},
		{Name: "fax_number", Label: "Fax", Technique: ZeroSize},
		{Name: "middle_name", Label: "Middle name", Technique: VisibilityHidden},
	}
	for i := range fields {
		fields[i].Style = techniqueStyles[fields[i].Technique]
	}
	return fields
}

// triggeredHoneypots returns the decoy fields that carry a value in any position.
func triggeredHoneypots(fields []HoneypotField, data url.Values) []string {
	var hit []string
	for _, f := range fields {
		for _, v := range data[f.Name] {
			if v != "" {
				hit = append(hit, f.Name)
				break
			}
		}
	}
	return hit
}

// StripHoneypots returns a copy of data without the decoy fields.
func StripHoneypots(fields []HoneypotField, data url.Values) url.Values {
	out := make(url.Values, len(data))
	for k, v := range data {
		out[k] = append([]string(nil), v...)
	}
	for _, f := range fields {
		out.Del(f.Name)
	}
	return out
}
