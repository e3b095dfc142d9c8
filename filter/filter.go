// Package filter decides which replies are worth relaying.
package filter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"island-watcher/pkg/watch"
)

// Nag phrases and low-effort emoticons that flood active threads. Curated
// from what actually shows up; substring match is deliberate since these
// arrive embedded in otherwise empty posts.
var spamPhrases = []string{
	"催更",
	"F5",
	"gkd",
	"把po给我挖出来",
	"魂兮归来",
	"求你了再写",
}

var emoticons = []string{
	"･ﾟ( ﾉヮ´ )",
	"(ﾉ)`ω´(ヾ)",
	"ᕕ( ᐛ )ᕗ",
	"(　ˇωˇ)",
	"( ｣ﾟДﾟ)｣＜",
	"( ›´ω`‹ )",
	"(;´ヮ`)7",
	"(`ゥ´ )",
	"(`ᝫ´ )",
	"( ᑭ`д´)ᓀ))д´)ᑫ",
	"σ( ᑒ )",
}

// Rich emotes are posted either by their picker name or their expansion.
var richEmoticons = map[string]string{
	"齐齐蛤尔": "(`ヮ´ )σ`∀´) ﾟ∀ﾟ)σ",
	"大嘘":   "吁~~~~　　rnm，退钱！\n 　　　/　　　/ \n(　ﾟ 3ﾟ) `ー´) `д´) `д´)",
	"防剧透":  "[h] [/h]",
	"骰子":   "[n]",
	"高级骰子": "[n,m]",
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// IsSpam reports whether a reply body is low-effort noise: a known nag
// phrase, an emoticon, or fewer than two visible characters.
func IsSpam(content string) bool {
	for _, emot := range emoticons {
		if strings.Contains(content, emot) {
			return true
		}
	}
	for name, expansion := range richEmoticons {
		if strings.Contains(content, name) || strings.Contains(content, expansion) {
			return true
		}
	}
	for _, phrase := range spamPhrases {
		if strings.Contains(content, phrase) {
			return true
		}
	}
	visible := strings.TrimSpace(tagPattern.ReplaceAllString(content, ""))
	return utf8.RuneCountInString(visible) < 2
}

// ShouldDeliver applies the thread's delivery policy to a reply.
//
// Authorship is the coarse gate: the author must be on the writer list or
// the list must carry the wildcard. Spam is a secondary gate that only
// applies to wildcard-qualified replies — an explicitly followed author is
// never suppressed, whatever they post.
func ShouldDeliver(reply *watch.Reply, st *watch.ThreadState) bool {
	listed := st.WriterListed(reply.UserHash)
	if !listed && !st.WildcardWriter() {
		return false
	}
	if !listed && IsSpam(reply.Content) {
		return false
	}
	return true
}
