// Package subtitle renders burn-in ASS subtitles for one segment window.
// Long sentences are split into reading-friendly blocks whose display times
// share the spoken duration proportionally to their length.
package subtitle

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/streamdub/streamdub/internal/models"
)

// Style values are designed against this resolution and scaled to the actual
// video size.
const (
	designWidth  = 1280
	designHeight = 720

	baseFontSize = 60
	baseMargin   = 30
	baseSpacing  = 0.5

	minEventDurationMS = 100
	minEventGapMS      = 40
)

// maxLineChars is the per-language display width in characters.
var maxLineChars = map[string]int{
	"zh": 20,
	"ja": 20,
	"ko": 20,
	"en": 40,
}

var (
	priorityPuncts = []rune(",.!?;，。！？；")
	cjkPuncts      = []rune("，,。.!！？?；;：:、…~—")
	engPuncts      = []rune(".,!?;:")
)

type event struct {
	startMS float64
	endMS   float64
	text    string
}

// Generator writes ASS files for segment windows. It satisfies the mixer's
// SubtitleWriter interface.
type Generator struct {
	lang   string
	logger *slog.Logger
}

// NewGenerator creates a Generator for the given target language code
// ("zh", "ja", "ko", "en"; anything else is treated as English).
func NewGenerator(lang string, logger *slog.Logger) *Generator {
	if _, ok := maxLineChars[lang]; !ok {
		lang = "en"
	}
	return &Generator{lang: lang, logger: logger}
}

// Write renders the subtitles for the sentences of one segment. Event times
// are relative to the segment, which starts at segmentStartMS on the output
// track. width and height are the source video dimensions; non-positive
// values fall back to the design resolution.
func (g *Generator) Write(path string, sentences models.Batch, segmentStartMS float64, width, height int) error {
	var events []event
	for _, s := range sentences {
		text := strings.TrimSpace(s.TranslatedText)
		if text == "" {
			text = strings.TrimSpace(s.OriginalText)
		}
		if text == "" {
			continue
		}
		if s.SpeechDurationMS <= 0 {
			g.logger.Warn("sentence has no speech duration, skipping subtitle",
				slog.Int("sequence", s.Sequence))
			continue
		}

		// The opening sentence's audio begins after its leading silence.
		var startMS float64
		if s.IsFirst && s.StartMS > 0 {
			startMS = float64(s.StartMS)
		} else {
			startMS = s.AdjustedStartMS - segmentStartMS
		}

		events = append(events, splitBlocks(text, startMS, s.SpeechDurationMS, g.lang)...)
	}

	events = adjustEvents(events)
	return os.WriteFile(path, []byte(render(events, width, height)), 0o644)
}

// splitBlocks divides text into display lines and distributes durationMS over
// them proportionally to line length.
func splitBlocks(text string, startMS, durationMS float64, lang string) []event {
	maxChars := maxLineChars[lang]
	runes := []rune(text)
	if len(runes) <= maxChars {
		return []event{{startMS: startMS, endMS: startMS + durationMS, text: text}}
	}

	var chunks []string
	if lang == "en" {
		chunks = chunkEnglish(runes, maxChars)
	} else {
		chunks = chunkCJK(runes, maxChars)
	}

	var totalChars int
	for _, c := range chunks {
		totalChars += len([]rune(c))
	}

	blocks := make([]event, 0, len(chunks))
	cursor := startMS
	for _, c := range chunks {
		share := durationMS * float64(len([]rune(c))) / float64(totalChars)
		blocks = append(blocks, event{startMS: cursor, endMS: cursor + share, text: c})
		cursor += share
	}
	blocks[len(blocks)-1].endMS = startMS + durationMS
	return blocks
}

// chunkEnglish cuts at punctuation, then spaces, extending past the limit to
// the next space rather than splitting a word.
func chunkEnglish(runes []rune, maxChars int) []string {
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxChars {
			chunks = append(chunks, strings.TrimSpace(string(runes)))
			break
		}

		cut := findCut(runes, maxChars, priorityPuncts)
		if cut < 0 {
			cut = findCut(runes, maxChars, engPuncts)
		}
		if cut < 0 {
			cut = findCut(runes, maxChars, []rune{' '})
		}
		if cut < 0 {
			// Mid-word at the limit: run forward to the next space.
			limit := min(len(runes), maxChars*2)
			for i := maxChars; i < limit; i++ {
				if runes[i] == ' ' {
					cut = i + 1
					break
				}
			}
		}
		if cut <= 0 {
			cut = maxChars
		}

		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	return chunks
}

// chunkCJK cuts at punctuation and otherwise halves the line.
func chunkCJK(runes []rune, maxChars int) []string {
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxChars {
			chunks = append(chunks, strings.TrimSpace(string(runes)))
			break
		}

		cut := findCut(runes, maxChars, priorityPuncts)
		if cut < 0 {
			cut = findCut(runes, maxChars, cjkPuncts)
		}
		if cut < 0 {
			if half := min(maxChars, len(runes)/2); half > 0 {
				cut = half
			} else {
				cut = maxChars
			}
		}

		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	return chunks
}

// findCut scans backwards from maxChars for any of the given marks and
// returns the cut position after the mark, or -1.
func findCut(runes []rune, maxChars int, marks []rune) int {
	for i := maxChars; i > 0; i-- {
		if i >= len(runes) {
			continue
		}
		for _, m := range marks {
			if runes[i] == m {
				return i + 1
			}
		}
	}
	return -1
}

// adjustEvents enforces a minimum duration per event and a minimum gap
// between consecutive events, shifting and clipping as needed.
func adjustEvents(events []event) []event {
	if len(events) == 0 {
		return events
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].startMS < events[j].startMS })

	var out []event
	for _, ev := range events {
		if ev.startMS < 0 {
			ev.startMS = 0
		}
		if ev.endMS < ev.startMS+minEventDurationMS {
			ev.endMS = ev.startMS + minEventDurationMS
		}

		if len(out) > 0 {
			prev := &out[len(out)-1]
			if ev.startMS < prev.endMS+minEventGapMS {
				ev.startMS = prev.endMS + minEventGapMS
				if ev.endMS < ev.startMS+minEventDurationMS {
					ev.endMS = ev.startMS + minEventDurationMS
				}
			}
			if prev.endMS > ev.startMS-minEventGapMS {
				prev.endMS = ev.startMS - minEventGapMS
				if prev.endMS < prev.startMS+minEventDurationMS {
					prev.endMS = prev.startMS + minEventDurationMS
					if prev.endMS > ev.startMS-minEventGapMS {
						prev.endMS = ev.startMS - minEventGapMS
					}
				}
			}
		}

		if ev.endMS > ev.startMS {
			out = append(out, ev)
		}
	}
	return out
}

// render produces the complete ASS document with a YouTube-like default
// style scaled from the design resolution to the actual video size.
func render(events []event, width, height int) string {
	widthScale, heightScale := 1.0, 1.0
	if width > 0 && height > 0 {
		widthScale = float64(width) / designWidth
		heightScale = float64(height) / designHeight
	} else {
		width, height = designWidth, designHeight
	}

	fontSize := max(1, int(float64(baseFontSize)*widthScale+0.5))
	marginV := max(0, int(float64(baseMargin)*heightScale+0.5))
	marginH := max(0, int(float64(baseMargin)*widthScale+0.5))
	spacing := baseSpacing * widthScale

	var b strings.Builder
	fmt.Fprintf(&b, "[Script Info]\nScriptType: v4.00+\nPlayResX: %d\nPlayResY: %d\nScaledBorderAndShadow: yes\n\n", width, height)

	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&b, "Style: Default,Arial,%d,&H00FFFFFF,&H000000FF,&H64000000,&H00000000,-1,0,0,0,100,100,%.2f,0,3,0,0,2,%d,%d,%d,1\n\n",
		fontSize, spacing, marginH, marginH, marginV)

	b.WriteString("[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			formatTime(ev.startMS), formatTime(ev.endMS), escapeText(ev.text))
	}
	return b.String()
}

// formatTime renders milliseconds as the ASS H:MM:SS.CC form.
func formatTime(ms float64) string {
	if ms < 0 {
		ms = 0
	}
	total := int(ms / 10) // centiseconds
	cs := total % 100
	seconds := total / 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", seconds/3600, seconds/60%60, seconds%60, cs)
}

// escapeText keeps dialogue lines on one event line and strips override
// braces the renderer would misinterpret.
func escapeText(text string) string {
	text = strings.ReplaceAll(text, "\n", `\N`)
	text = strings.ReplaceAll(text, "{", "(")
	return strings.ReplaceAll(text, "}", ")")
}
