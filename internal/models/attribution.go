package models

// AttributionModel names a rule for splitting conversion credit.
type AttributionModel string

const (
	ModelFirstTouch AttributionModel = "first_touch"
	ModelLastTouch  AttributionModel = "last_touch"
	ModelLinear     AttributionModel = "linear"
)

// AttributionModels lists the supported models in presentation order.
var AttributionModels = []AttributionModel{ModelFirstTouch, ModelLastTouch, ModelLinear}

// ParseAttributionModel reports whether s names a supported model.
func ParseAttributionModel(s string) (AttributionModel, bool) {
	m := AttributionModel(s)
	switch m {
	case ModelFirstTouch, ModelLastTouch, ModelLinear:
		return m, true
	}
	return "", false
}

// AttributionCredit is the share of one conversion credited to one
// content item under one model. It is derived on demand and never stored
// as ground truth.
type AttributionCredit struct {
	Model          AttributionModel `json:"model_type"`
	ContentRef     string           `json:"content_ref"`
	ConversionID   string           `json:"conversion_id"`
	CreditFraction float64          `json:"credit_fraction"`
	Revenue        float64          `json:"revenue"`
}
