// Package remedy holds the disease knowledge base: symptoms, remedies,
// prevention advice, and a keyword check of treatment product labels.
package remedy

import (
	"fmt"
	"sort"
	"strings"
)

// Healthy is the class reported when no disease is found.
const Healthy = "Healthy"

// Info is the guidance for one disease class.
type Info struct {
	Disease     string   `json:"disease"`
	DisplayName string   `json:"display_name"`
	Symptoms    []string `json:"symptoms"`
	Remedies    []string `json:"remedies"`
	Prevention  []string `json:"prevention"`
}

var knowledge = map[string]Info{
	"Early_Blight": {
		DisplayName: "Early Blight",
		Symptoms:    []string{"Brown spots on lower leaves", "Concentric rings on spots", "Yellow halo around spots"},
		Remedies: []string{
			"Remove infected leaves",
			"Apply copper fungicide spray",
			"Improve air circulation",
			"Water at soil level to keep leaves dry",
			"Avoid overhead watering",
		},
		Prevention: []string{
			"Space plants properly",
			"Use disease-resistant varieties",
			"Practice crop rotation",
			"Mulch soil to prevent spores from splashing",
			"Remove plant debris",
		},
	},
	"Late_Blight": {
		DisplayName: "Late Blight",
		Symptoms:    []string{"Water-soaked spots on leaves and stems", "White mold on leaf undersides", "Soft rot on fruits"},
		Remedies: []string{
			"Remove infected plant parts immediately",
			"Apply mancozeb or chlorothalonil fungicide",
			"Improve air circulation",
			"Reduce moisture on plants",
			"Avoid overhead irrigation",
		},
		Prevention: []string{
			"Plant resistant varieties",
			"Use disease-free seed potatoes",
			"Practice crop rotation",
			"Monitor weather for high humidity",
			"Remove volunteer potato plants",
		},
	},
	"Powdery_Mildew": {
		DisplayName: "Powdery Mildew",
		Symptoms:    []string{"White powdery coating on leaves", "Yellowing of affected leaves", "Leaf curling"},
		Remedies: []string{
			"Apply sulfur dust or spray",
			"Use potassium bicarbonate fungicide",
			"Increase air circulation",
			"Remove heavily infected leaves",
			"Avoid high nitrogen fertilizer",
		},
		Prevention: []string{
			"Plant in well-ventilated areas",
			"Choose resistant varieties",
			"Maintain proper spacing",
			"Avoid overhead watering",
			"Clean up plant debris",
		},
	},
	"Leaf_Rust": {
		DisplayName: "Leaf Rust",
		Symptoms:    []string{"Orange-brown pustules on leaf undersides", "Yellow spots on upper leaf surface", "Severe leaf drop"},
		Remedies: []string{
			"Apply fungicide containing sulfur or copper",
			"Remove infected leaves",
			"Improve plant spacing for air flow",
			"Avoid overhead irrigation",
			"Apply mancozeb fungicide",
		},
		Prevention: []string{
			"Use resistant varieties",
			"Practice crop rotation",
			"Remove alternate hosts",
			"Maintain sanitation",
			"Monitor plants regularly",
		},
	},
	"Septoria_Leaf_Spot": {
		DisplayName: "Septoria Leaf Spot",
		Symptoms:    []string{"Small circular spots with dark borders", "Gray center with black dots", "Spot coalescence"},
		Remedies: []string{
			"Remove infected leaves",
			"Apply chlorothalonil fungicide",
			"Space plants properly",
			"Avoid splashing soil onto leaves",
			"Water at soil level",
		},
		Prevention: []string{
			"Use disease-resistant varieties",
			"Practice crop rotation",
			"Remove plant debris",
			"Avoid overhead watering",
			"Improve air circulation",
		},
	},
	Healthy: {
		DisplayName: "Healthy",
		Symptoms:    []string{"No disease signs present"},
		Remedies: []string{
			"Continue regular maintenance",
			"Monitor plant health",
			"Practice preventive care",
		},
		Prevention: []string{
			"Maintain proper watering",
			"Ensure adequate spacing",
			"Provide proper nutrition",
			"Monitor for early disease signs",
		},
	},
}

// Lookup returns the guidance for disease. Unknown names fall back to Healthy.
func Lookup(disease string) Info {
	key := Normalize(disease)
	info, ok := knowledge[key]
	if !ok {
		key = Healthy
		info = knowledge[Healthy]
	}
	info.Disease = key
	return info
}

// Known reports whether disease is in the knowledge base.
func Known(disease string) bool {
	_, ok := knowledge[Normalize(disease)]
	return ok
}

// Diseases returns every known class name, sorted.
func Diseases() []string {
	out := make([]string, 0, len(knowledge))
	for k := range knowledge {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Normalize maps a display name such as "late blight" to its class key.
// Unrecognized input is returned unchanged.
func Normalize(disease string) string {
	if _, ok := knowledge[disease]; ok || disease == "" {
		return disease
	}
	want := strings.ToLower(strings.TrimSpace(disease))
	for key, info := range knowledge {
		if strings.ToLower(info.DisplayName) == want || strings.ToLower(key) == want {
			return key
		}
	}
	return disease
}

// --------------------------------------------------------------------------
// Treatment check
// --------------------------------------------------------------------------

// treatmentKeywords maps a treatment to label variants that indicate it.
var treatmentKeywords = map[string][]string{
	"mancozeb":              {"mancozeb", "dithane"},
	"chlorothalonil":        {"chlorothalonil", "bravo", "daconil"},
	"sulfur":                {"sulfur", "sulphur", "sul"},
	"copper":                {"copper", "kocide", "cuprofix"},
	"carbendazim":           {"carbendazim", "bavistin"},
	"potassium bicarbonate": {"potassium bicarbonate", "bicarbonate", "kaligreen"},
	"neem":                  {"neem", "azadirachtin"},
	"fungicide":             {"fungicide", "antifungal", "fungus control", "fungus"},
	"bactericide":           {"bactericide", "antibacterial", "bacteria control"},
}

// Verdict values reported by EvaluateTreatment.
const (
	VerdictMatch          = "match"
	VerdictNoMatch        = "no_match"
	VerdictNoDisease      = "no_disease"
	VerdictNeedLabel      = "need_label"
	VerdictUnknownDisease = "unknown_disease"
)

// Evaluation is the outcome of checking a product label against a disease.
type Evaluation struct {
	Disease   string `json:"disease"`
	ItemLabel string `json:"item_label"`
	WillCure  bool   `json:"will_cure"`
	Verdict   string `json:"verdict"`
	Feedback  string `json:"feedback"`
}

// TreatmentKeywords returns the sorted set of treatments mentioned in remedies.
func TreatmentKeywords(remedies []string) []string {
	found := make(map[string]struct{})
	for _, r := range remedies {
		lower := strings.ToLower(r)
		for name, variants := range treatmentKeywords {
			for _, v := range variants {
				if strings.Contains(lower, v) {
					found[name] = struct{}{}
					break
				}
			}
		}
	}
	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EvaluateTreatment reports whether a product label names a treatment
// recommended for disease.
func EvaluateTreatment(disease, itemLabel string) Evaluation {
	key := Normalize(disease)
	ev := Evaluation{Disease: key, ItemLabel: itemLabel}
	if info, ok := knowledge[key]; ok {
		ev.Disease = info.DisplayName
	}

	if key == Healthy {
		ev.Verdict = VerdictNoDisease
		ev.Feedback = "No disease detected. Treatment is not required."
		return ev
	}
	info, ok := knowledge[key]
	if !ok {
		ev.Verdict = VerdictUnknownDisease
		ev.Feedback = "Disease not recognized. Unable to verify treatment."
		return ev
	}
	label := strings.ToLower(strings.TrimSpace(itemLabel))
	if label == "" {
		ev.Verdict = VerdictNeedLabel
		ev.Feedback = "Please provide a clear product name for accurate feedback."
		return ev
	}

	recommended := TreatmentKeywords(info.Remedies)
	for _, name := range recommended {
		for _, v := range treatmentKeywords[name] {
			if strings.Contains(label, v) {
				ev.WillCure = true
				break
			}
		}
		if ev.WillCure {
			break
		}
	}

	if ev.WillCure {
		ev.Verdict = VerdictMatch
		ev.Feedback = fmt.Sprintf("This product matches recommended treatment for %s.", info.DisplayName)
		return ev
	}
	suggestions := "Check remedy details"
	if len(recommended) > 0 {
		suggestions = strings.Join(recommended[:min(3, len(recommended))], ", ")
	}
	ev.Verdict = VerdictNoMatch
	ev.Feedback = "This product does not match recommended treatments.\n\nRecommended: " + suggestions
	return ev
}
