package tagging

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type CategoryRule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// defaultRules is matched in order; every category whose keyword appears is tagged once.
var defaultRules = []CategoryRule{
	{Category: "Finance", Keywords: []string{"faktura", "invoice", "rachunek", "finance", "finanse", "budget", "budżet", "revenue", "przychód", "payment", "płatność", "bank"}},
	{Category: "Taxes", Keywords: []string{"podatek", "pit-37", "podatek vat", "tax return", "taxes", "zus", "urząd skarbowy"}},
	{Category: "Contracts", Keywords: []string{"umowa", "contract", "agreement", "aneks", "porozumienie"}},
	{Category: "Insurance", Keywords: []string{"ubezpieczenie", "insurance", "polisa", "policy"}},
	{Category: "Medical", Keywords: []string{"lekarz", "medical", "recepta", "prescription", "szpital", "hospital", "badanie"}},
	{Category: "Utilities", Keywords: []string{"prąd", "electricity", "rachunek za gaz", "water bill", "czynsz", "utility bill"}},
	{Category: "Travel", Keywords: []string{"bilet", "ticket", "boarding", "hotel", "rezerwacja", "booking"}},
	{Category: "Education", Keywords: []string{"świadectwo", "certificate", "dyplom", "diploma", "szkoła", "university", "course"}},
	{Category: "Work", Keywords: []string{"curriculum vitae", "resume", "wypowiedzenie", "payslip", "pasek płacowy", "employment", "zatrudnienie"}},
	{Category: "Identity", Keywords: []string{"paszport", "passport", "dowód osobisty", "id card", "prawo jazdy", "driving licence"}},
}

type monthName struct {
	Tag   string
	Names []string
}

var months = []monthName{
	{Tag: "January", Names: []string{"january", "styczeń", "stycznia"}},
	{Tag: "February", Names: []string{"february", "luty", "lutego"}},
	{Tag: "March", Names: []string{"march", "marzec", "marca"}},
	{Tag: "April", Names: []string{"april", "kwiecień", "kwietnia"}},
	{Tag: "May", Names: []string{"may", "maj", "maja"}},
	{Tag: "June", Names: []string{"june", "czerwiec", "czerwca"}},
	{Tag: "July", Names: []string{"july", "lipiec", "lipca"}},
	{Tag: "August", Names: []string{"august", "sierpień", "sierpnia"}},
	{Tag: "September", Names: []string{"september", "wrzesień", "września"}},
	{Tag: "October", Names: []string{"october", "październik", "października"}},
	{Tag: "November", Names: []string{"november", "listopad", "listopada"}},
	{Tag: "December", Names: []string{"december", "grudzień", "grudnia"}},
}

// GenerateTags derives an ordered, duplicate-free tag list from a file name and its
// extracted text: categories, then years, then the first month mentioned, then the format.
func GenerateTags(fileName, text string) []string {
	return generateTags(defaultRules, fileName, text)
}

func generateTags(rules []CategoryRule, fileName, text string) []string {
	haystack := strings.ToLower(fileName + " " + text)
	tags := newTagSet()

	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(haystack, kw) {
				tags.add(rule.Category)
				break
			}
		}
	}

	for _, year := range findYears(haystack) {
		tags.add(year)
	}

	if month := firstMonth(haystack); month != "" {
		tags.add(month)
	}

	if format := FormatTag(fileName); format != "" {
		tags.add(format)
	}

	return tags.items
}

// FormatTag returns the upper-cased file extension, or "" when there is none.
func FormatTag(fileName string) string {
	ext := strings.TrimPrefix(filepath.Ext(strings.TrimSpace(fileName)), ".")
	if ext == "" || len(ext) > 5 {
		return ""
	}
	for _, r := range ext {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
	}
	ext = strings.ToUpper(ext)
	if ext == "JPEG" {
		return "JPG"
	}
	return ext
}

// yearPattern is unanchored so date stamps such as 20240315 still yield their year.
var yearPattern = regexp.MustCompile(`20\d{2}`)

// findYears returns every year match in order of appearance; the tag set drops repeats.
func findYears(s string) []string {
	return yearPattern.FindAllString(s, -1)
}

// firstMonth returns the month whose name occurs earliest in s.
func firstMonth(s string) string {
	best, bestPos := "", -1
	for _, m := range months {
		for _, name := range m.Names {
			pos := indexWord(s, name)
			if pos >= 0 && (bestPos < 0 || pos < bestPos) {
				best, bestPos = m.Tag, pos
			}
		}
	}
	return best
}

// indexWord finds word in s only where it is not embedded in a longer word,
// so "may" does not match "mayor".
func indexWord(s, word string) int {
	offset := 0
	for {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return -1
		}
		start := offset + i
		end := start + len(word)
		if boundaryBefore(s, start) && boundaryAfter(s, end) {
			return start
		}
		offset = start + 1
	}
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r)
}

// BuildSearchText assembles the lower-cased full-text blob stored alongside a document.
func BuildSearchText(doc *domain.Document, tags []string, text string) string {
	parts := make([]string, 0, 7)
	for _, p := range []string{doc.FileName, doc.Title, doc.Description, doc.Category, strings.Join(tags, " "), text} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

type tagSet struct {
	seen  map[string]struct{}
	items []string
}

func newTagSet() *tagSet {
	return &tagSet{seen: make(map[string]struct{}), items: make([]string, 0, 8)}
}

func (t *tagSet) add(tag string) {
	if _, ok := t.seen[tag]; ok {
		return
	}
	t.seen[tag] = struct{}{}
	t.items = append(t.items, tag)
}

// Tagger exposes the package functions through ports.Tagger.
type Tagger struct {
	rules []CategoryRule
}

func NewTagger() *Tagger { return &Tagger{rules: defaultRules} }

// NewTaggerWithRules replaces the built-in category rules. Years, months and formats are unaffected.
func NewTaggerWithRules(rules []CategoryRule) *Tagger {
	return &Tagger{rules: rules}
}

func (t *Tagger) GenerateTags(fileName, text string) []string {
	return generateTags(t.rules, fileName, text)
}

func (*Tagger) BuildSearchText(doc *domain.Document, tags []string, text string) string {
	return BuildSearchText(doc, tags, text)
}
