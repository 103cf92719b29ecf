// Package crisis flags messages that signal self-harm or violence risk and
// carries the hotline text shown to users in that case.
package crisis

import (
	"regexp"
	"strings"
)

// IntentCrisis is the intent reported for every crisis hit.
const IntentCrisis = "crisis"

// Resources is shown to the user when a crisis is detected.
const Resources = `我非常担心你现在的状态。请记住，你的生命很宝贵，有人愿意帮助你。

**立即寻求帮助：**
- 全国心理援助热线：400-161-9995（24小时）
- 北京心理危机研究与干预中心：010-82951332
- 生命热线：400-821-1215
- 希望24热线：400-161-9995

请现在就拨打这些电话，和专业的人谈谈。我会一直在这里陪伴你。`

// ApologyMessage is the reply when both response generation and its
// fallback fail.
const ApologyMessage = "抱歉，我暂时遇到了一些问题。请稍后再试，或者如果你需要紧急帮助，请拨打心理援助热线：400-161-9995。"

var defaultKeywords = []string{
	// suicidal ideation
	"自杀", "不想活", "结束生命", "活不下去", "死掉", "想死",
	"了结", "解脱", "跳楼", "割腕", "服药自杀", "上吊",
	// self-harm
	"自残", "伤害自己", "割自己", "打自己",
	// severe hopelessness
	"没有希望", "绝望", "活着没意义", "世界没有我会更好",
	"没人会想念我", "没人在乎我",
	// violence
	"杀人", "伤害他人", "报复",
}

var defaultPatterns = []string{
	`想.*死`,
	`不想.*活`,
	`活.*不下去`,
	`没有.*希望`,
	`结束.*一切`,
}

type intentRule struct {
	intent   string
	keywords []string
}

var intentRules = []intentRule{
	{"anxiety", []string{"焦虑", "紧张", "担心", "害怕"}},
	{"sadness", []string{"难过", "悲伤", "哭", "伤心", "抑郁", "低落"}},
	{"anger", []string{"生气", "愤怒", "烦躁", "恼火"}},
	{"loneliness", []string{"孤独", "寂寞", "没人理解"}},
	{"stress", []string{"压力", "累", "疲惫", "喘不过气"}},
	{"sleep_issues", []string{"失眠", "睡不着", "噩梦"}},
	{"work", []string{"工作", "职场", "同事", "领导", "辞职"}},
	{"relationship", []string{"感情", "恋爱", "分手", "离婚", "婚姻"}},
	{"family", []string{"家人", "父母", "孩子", "家庭"}},
}

// Assessment is the full result of checking one message.
type Assessment struct {
	IsCrisis bool   `json:"is_crisis"`
	Intent   string `json:"intent,omitempty"`
	Trigger  string `json:"-"`
	Response string `json:"resources,omitempty"`
}

// KeywordDetector checks the keyword list, then the regex patterns, and
// otherwise classifies the message into a coarse intent.
type KeywordDetector struct {
	keywords []string
	patterns []*regexp.Regexp
}

// NewKeywordDetector creates a detector with the built-in Chinese lists.
func NewKeywordDetector() *KeywordDetector {
	patterns := make([]*regexp.Regexp, len(defaultPatterns))
	for i, p := range defaultPatterns {
		patterns[i] = regexp.MustCompile(p)
	}

	return &KeywordDetector{
		keywords: defaultKeywords,
		patterns: patterns,
	}
}

// Detect satisfies memory.CrisisDetector.
func (d *KeywordDetector) Detect(message string) (bool, string) {
	a := d.Assess(message)
	return a.IsCrisis, a.Intent
}

// Assess returns the crisis verdict with the resource text on a hit, or the
// classified intent when there is none. Intent is empty when nothing matched.
func (d *KeywordDetector) Assess(message string) Assessment {
	text := strings.ToLower(message)

	for _, kw := range d.keywords {
		if strings.Contains(text, kw) {
			return Assessment{IsCrisis: true, Intent: IntentCrisis, Trigger: kw, Response: Resources}
		}
	}
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return Assessment{IsCrisis: true, Intent: IntentCrisis, Trigger: re.String(), Response: Resources}
		}
	}

	return Assessment{Intent: ClassifyIntent(text)}
}

// ClassifyIntent returns the first matching intent in rule order, or "".
func ClassifyIntent(message string) string {
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(message, kw) {
				return rule.intent
			}
		}
	}
	return ""
}
