package enrich

import "strings"

// Category maps a label to the keywords that indicate it.
type Category struct {
	Label    string   `mapstructure:"label" json:"label"`
	Keywords []string `mapstructure:"keywords" json:"keywords"`
}

// DefaultCategories returns the built-in category table.
func DefaultCategories() []Category {
	return []Category{
		{
			Label:    "E-Commerce",
			Keywords: []string{"e-commerce", "e-ticaret", "shopify", "woocommerce", "opencart", "magento"},
		},
		{
			Label:    "Software/App",
			Keywords: []string{"software", "yazılım", "mobile app", "mobil uygulama", "ios", "android", "react", "vue"},
		},
		{
			Label: "Digital Agency",
			Keywords: []string{
				"advertising", "reklam", "seo", "social media management",
				"sosyal medya yönetimi", "digital marketing", "dijital pazarlama",
			},
		},
		{
			Label:    "Corporate",
			Keywords: []string{"construction", "inşaat", "consulting", "danışmanlık", "law", "hukuk", "accounting", "muhasebe"},
		},
	}
}

// Detect returns the labels whose keywords occur in text, in table order.
func Detect(text string, categories []Category) []string {
	tags := []string{}
	for _, c := range categories {
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				tags = append(tags, c.Label)
				break
			}
		}
	}
	return tags
}
