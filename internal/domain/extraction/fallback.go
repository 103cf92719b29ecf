package extraction

import (
	"strings"

	"github.com/janhq/companion-memory/internal/domain/memory"
)

type keywordRule struct {
	keyword string
	content string
	valence float64
}

// Tables are scanned in order and the first hit wins, so the fallback is a
// pure function of the message text.
var emotionRules = []keywordRule{
	{"焦虑", "用户表达了焦虑情绪", -0.5},
	{"紧张", "用户感到紧张", -0.4},
	{"难过", "用户感到难过", -0.6},
	{"伤心", "用户感到伤心", -0.7},
	{"生气", "用户感到愤怒", -0.5},
	{"开心", "用户表达了开心的情绪", 0.7},
	{"高兴", "用户感到高兴", 0.6},
	{"害怕", "用户感到恐惧", -0.6},
	{"压力", "用户感受到压力", -0.4},
	{"累", "用户感到疲惫", -0.3},
}

var eventRules = []keywordRule{
	{"分手", "用户提到经历了分手", 0},
	{"失业", "用户提到失业了", 0},
	{"裁员", "用户提到被裁员", 0},
	{"考试", "用户提到有考试", 0},
	{"面试", "用户提到有面试", 0},
	{"吵架", "用户提到与人发生争吵", 0},
	{"生病", "用户提到身体不适", 0},
	{"去世", "用户提到有人去世", 0},
}

var relationshipRules = []keywordRule{
	{"老公", "用户提到了丈夫", 0},
	{"老婆", "用户提到了妻子", 0},
	{"男朋友", "用户提到了男朋友", 0},
	{"女朋友", "用户提到了女朋友", 0},
	{"父母", "用户提到了父母", 0},
	{"爸爸", "用户提到了父亲", 0},
	{"妈妈", "用户提到了母亲", 0},
	{"孩子", "用户提到了孩子", 0},
	{"领导", "用户提到了工作领导", 0},
	{"同事", "用户提到了同事", 0},
}

const (
	fallbackEmotionImportance      = 0.5
	fallbackEventImportance        = 0.7
	fallbackRelationshipImportance = 0.4
)

func firstMatch(text string, rules []keywordRule) (keywordRule, bool) {
	for _, rule := range rules {
		if strings.Contains(text, rule.keyword) {
			return rule, true
		}
	}
	return keywordRule{}, false
}

// FallbackExtract scans the keyword tables and yields at most one emotion,
// one event and one relationship memory.
func FallbackExtract(userID, userMessage string) []memory.AddMemoryRequest {
	text := strings.ToLower(userMessage)
	out := make([]memory.AddMemoryRequest, 0, 3)

	if rule, ok := firstMatch(text, emotionRules); ok {
		valence := rule.valence
		out = append(out, memory.AddMemoryRequest{
			UserID:         userID,
			MemoryType:     memory.MemoryTypeEmotion,
			Content:        rule.content,
			Importance:     fallbackEmotionImportance,
			EmotionValence: &valence,
		})
	}

	if rule, ok := firstMatch(text, eventRules); ok {
		out = append(out, memory.AddMemoryRequest{
			UserID:     userID,
			MemoryType: memory.MemoryTypeEvent,
			Content:    rule.content,
			Importance: fallbackEventImportance,
		})
	}

	if rule, ok := firstMatch(text, relationshipRules); ok {
		out = append(out, memory.AddMemoryRequest{
			UserID:     userID,
			MemoryType: memory.MemoryTypeRelationship,
			Content:    rule.content,
			Importance: fallbackRelationshipImportance,
		})
	}

	return out
}
