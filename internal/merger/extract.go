package merger

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"cardfetch/internal/cards"
	"cardfetch/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

type mode int

const (
	modeApi mode = iota
	modeBrowser
)

type extracted struct {
	primaryText string
	patient     string
	fragments   []cards.Fragment
	answers     []string
	incorrect   []string
	explanation string
	scoreText   string
	multi       bool
}

type option struct {
	value string
	label string
}

const minTextLength = 20

var patientSelectors = []string{".patient-info", ".card-patient", ".info-section h4", "h4"}

// substrings of image sources, classes and alt texts that mark site chrome
var chromeMarkers = []string{"logo", "avatar", "icon", "badge", "sprite", "spinner", "loading", "/nav"}

func (m Merger) extract(payload *cards.Payload, md mode) extracted {
	var out extracted
	if payload == nil || strings.TrimSpace(payload.Page) == "" {
		if payload != nil && payload.Solution != nil {
			out.explanation = payload.Solution.Feedback
			out.scoreText = payload.Solution.ScoreText
		}
		return out
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(payload.Page))
	if err != nil {
		return out
	}

	form := doc.Find("#workspace div.solution.container form").First()
	if form.Length() == 0 {
		form = doc.Find("#workspace form").First()
	}
	out.primaryText = htmlutil.SelectionText(form.Find("h3").First())
	out.multi = form.AttrOr("rel", "") == "pickmany"
	out.patient = patientOf(doc)

	var options []option
	form.Find("div.options div.option").Each(func(_ int, sel *goquery.Selection) {
		label := htmlutil.SelectionText(sel.Find("label"))
		if label == "" {
			return
		}
		options = append(options, option{
			value: strings.TrimSpace(sel.Find("input").AttrOr("value", "")),
			label: label,
		})
	})

	container := doc.Find("div.container.card").First()
	if container.Length() == 0 {
		container = doc.Find("body")
	}

	if md == modeBrowser {
		out.fragments = append(out.fragments, vitalsFragments(container)...)
	}
	out.fragments = append(out.fragments, tableFragments(container)...)
	out.fragments = append(out.fragments, listFragments(container)...)
	out.fragments = append(out.fragments, m.imageFragments(container)...)
	if md == modeBrowser {
		out.fragments = append(out.fragments, canvasFragments(container)...)
	}
	out.fragments = append(out.fragments, textFragments(container)...)

	switch {
	case md == modeApi && payload.Solution != nil:
		out.answers, out.incorrect = splitAnswers(options, payload.Solution.Answers)
		out.explanation = payload.Solution.Feedback
		out.scoreText = payload.Solution.ScoreText
	case md == modeBrowser:
		var correct []string
		form.Find("div.options div.option.correct").Each(func(_ int, sel *goquery.Selection) {
			correct = append(correct, strings.TrimSpace(sel.Find("input").AttrOr("value", "")))
		})
		out.answers, out.incorrect = splitAnswers(options, correct)
		out.explanation = htmlutil.SelectionText(doc.Find("#workspace div.feedback").First())
		out.scoreText = htmlutil.SelectionText(doc.Find("#workspace div.score").First())
	}

	return out
}

func patientOf(doc *goquery.Document) string {
	for _, selector := range patientSelectors {
		text := htmlutil.SelectionText(doc.Find(selector).First())
		if text != "" && len(text) < 100 {
			return text
		}
	}
	return ""
}

// splitAnswers maps correct option values to their labels. Values that match
// no option are kept as they are.
func splitAnswers(options []option, correct []string) ([]string, []string) {
	if len(correct) == 0 {
		return nil, nil
	}
	var answers, incorrect []string
	matched := map[string]bool{}
	for _, o := range options {
		if slices.Contains(correct, o.value) {
			answers = append(answers, o.label)
			matched[o.value] = true
			continue
		}
		incorrect = append(incorrect, o.label)
	}
	for _, c := range correct {
		if !matched[c] {
			answers = append(answers, c)
		}
	}
	return answers, incorrect
}

var vitalFields = []struct {
	selector string
	label    string
}{
	{".hr span", "Heart Rate"},
	{".o2 span", "SpO2"},
	{".rr span", "Respiratory Rate"},
	{".temp span", "Temperature"},
	{".bp span", "Blood Pressure"},
}

func vitalsFragments(container *goquery.Selection) []cards.Fragment {
	var fragments []cards.Fragment
	container.Find("div.group.box.monitor").Each(func(_ int, monitor *goquery.Selection) {
		var rows strings.Builder
		for _, field := range vitalFields {
			value := htmlutil.SelectionText(monitor.Find(field.selector).First())
			if value == "" {
				continue
			}
			fmt.Fprintf(&rows, "<tr><td>%s</td><td>%s</td></tr>", field.label, value)
		}
		if rows.Len() == 0 {
			return
		}
		fragments = append(fragments, newFragment(
			cards.FragmentTable,
			fmt.Sprintf(`<table class="vitals">%s</table>`, rows.String()),
		))
	})
	return fragments
}

func tableFragments(container *goquery.Selection) []cards.Fragment {
	var fragments []cards.Fragment
	container.Find("table").Each(func(_ int, sel *goquery.Selection) {
		if sel.ParentsFiltered("table").Length() > 0 {
			return
		}
		html, err := goquery.OuterHtml(sel)
		if err != nil || htmlutil.StripTags(html) == "" {
			return
		}
		fragments = append(fragments, newFragment(cards.FragmentTable, html))
	})
	return fragments
}

func listFragments(container *goquery.Selection) []cards.Fragment {
	var fragments []cards.Fragment
	container.Find("ul, ol").Each(func(_ int, sel *goquery.Selection) {
		if sel.ParentsFiltered("ul, ol, table").Length() > 0 {
			return
		}
		html, err := goquery.OuterHtml(sel)
		if err != nil || htmlutil.StripTags(html) == "" {
			return
		}
		fragments = append(fragments, newFragment(cards.FragmentList, html))
	})
	return fragments
}

func isChrome(sel *goquery.Selection) bool {
	haystack := strings.ToLower(strings.Join([]string{
		sel.AttrOr("src", ""),
		sel.AttrOr("class", ""),
		sel.AttrOr("alt", ""),
	}, " "))
	for _, marker := range chromeMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

func (m Merger) resolve(src string) string {
	if m.opts.BaseUrl == nil {
		return src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return src
	}
	return m.opts.BaseUrl.ResolveReference(ref).String()
}

func (m Merger) imageFragments(container *goquery.Selection) []cards.Fragment {
	var fragments []cards.Fragment
	container.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" || isChrome(sel) {
			return
		}
		fragments = append(fragments, newFragment(cards.FragmentImage, m.resolve(src)))
	})
	return fragments
}

func canvasFragments(container *goquery.Selection) []cards.Fragment {
	var fragments []cards.Fragment
	container.Find("canvas").Each(func(i int, sel *goquery.Selection) {
		id := sel.AttrOr("id", fmt.Sprintf("chart-%d", i+1))
		fragments = append(fragments, newFragment(cards.FragmentRichText, fmt.Sprintf("Chart: %s", id)))
	})
	return fragments
}

func textFragments(container *goquery.Selection) []cards.Fragment {
	var fragments []cards.Fragment
	container.Find("div.block.group, p").Each(func(_ int, sel *goquery.Selection) {
		if sel.Find("table, canvas, .monitor").Length() > 0 {
			return
		}
		if sel.ParentsFiltered("table, ul, ol, .monitor").Length() > 0 {
			return
		}
		text := htmlutil.SelectionText(sel)
		if len(text) <= minTextLength {
			return
		}
		fragments = append(fragments, newFragment(cards.FragmentRichText, text))
	})
	return fragments
}
