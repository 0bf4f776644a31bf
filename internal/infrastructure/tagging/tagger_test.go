package tagging

import (
	"reflect"
	"strings"
	"testing"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

func containsAll(t *testing.T, got []string, want ...string) {
	t.Helper()
	set := make(map[string]bool, len(got))
	for _, tag := range got {
		set[tag] = true
	}
	for _, w := range want {
		if !set[w] {
			t.Fatalf("expected tag %q in %v", w, got)
		}
	}
}

func TestGenerateTagsReportFinance(t *testing.T) {
	tags := GenerateTags("report_2024.pdf", "quarterly finance budget revenue")
	containsAll(t, tags, "Finance", "2024", "PDF")
}

func TestGenerateTagsPolishInvoice(t *testing.T) {
	tags := GenerateTags("skan.pdf", "Faktura VAT nr 12/2024 z dnia 3 marca")
	containsAll(t, tags, "Finance", "2024", "March", "PDF")
}

func TestGenerateTagsDeterministic(t *testing.T) {
	first := GenerateTags("umowa_najmu_2023.docx", "Umowa zawarta w styczniu 2023, aneks 2024, polisa")
	for i := 0; i < 20; i++ {
		again := GenerateTags("umowa_najmu_2023.docx", "Umowa zawarta w styczniu 2023, aneks 2024, polisa")
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d: got %v, want %v", i, again, first)
		}
	}
	want := []string{"Contracts", "Insurance", "2023", "2024", "DOCX"}
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("unexpected tags: got %v want %v", first, want)
	}
}

func TestGenerateTagsUnique(t *testing.T) {
	tags := GenerateTags("invoice 2024.pdf", "invoice 2024 invoice 2024 faktura")
	seen := map[string]bool{}
	for _, tag := range tags {
		if seen[tag] {
			t.Fatalf("duplicate tag %q in %v", tag, tags)
		}
		seen[tag] = true
	}
}

func TestGenerateTagsFirstMonthWins(t *testing.T) {
	tags := GenerateTags("notes.txt", "meeting moved from june to february")
	containsAll(t, tags, "June")
	for _, tag := range tags {
		if tag == "February" {
			t.Fatalf("expected only the first month, got %v", tags)
		}
	}
}

func TestGenerateTagsMonthRequiresWholeWord(t *testing.T) {
	tags := GenerateTags("letter.txt", "the mayor signed it")
	for _, tag := range tags {
		if tag == "May" {
			t.Fatalf("unexpected month tag in %v", tags)
		}
	}
}

func TestGenerateTagsFindsYearInsideDateStamp(t *testing.T) {
	tags := GenerateTags("faktura_20240315.pdf", "")
	want := []string{"Finance", "2024", "PDF"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("GenerateTags() = %v, want %v", tags, want)
	}
}

func TestGenerateTagsYearsAreUnanchoredAndDeduplicated(t *testing.T) {
	tags := GenerateTags("scan", "account 120245 reference 2024 and 1999")
	if !reflect.DeepEqual(tags, []string{"2024"}) {
		t.Fatalf("expected a single 2024 tag, got %v", tags)
	}
}

func TestFormatTag(t *testing.T) {
	cases := map[string]string{
		"photo.jpeg":   "JPG",
		"photo.PNG":    "PNG",
		"archive":      "",
		"weird.x-y":    "",
		"sheet.xlsx":   "XLSX",
		"data.toolong": "",
	}
	for name, want := range cases {
		if got := FormatTag(name); got != want {
			t.Fatalf("FormatTag(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestBuildSearchText(t *testing.T) {
	doc := &domain.Document{FileName: "Report.PDF", Title: "Q1 Budget", Category: "Finance"}
	got := BuildSearchText(doc, []string{"Finance", "2024"}, "  Revenue UP  ")
	want := "report.pdf q1 budget finance finance 2024 revenue up"
	if got != want {
		t.Fatalf("BuildSearchText() = %q, want %q", got, want)
	}
	if strings.ToLower(got) != got {
		t.Fatalf("expected lower-cased search text")
	}
}
