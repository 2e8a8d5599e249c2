package transcribe

import "strings"

// childVocabulary biases recognition toward words young children use when
// describing their day. The first entries carry the most weight.
var childVocabulary = []string{
	"おもちゃ", "とられた", "けんか", "けんかした", "かして", "かえして", "いじわる", "だめ", "やめて",
	"うれしい", "かなしい", "いらいら", "こわい", "びっくり", "たのしい", "つかれた", "ねむい",
	"おなかすいた", "のどかわいた",
	"ブロック", "ぬいぐるみ", "ボール", "おえかき", "あそぶ", "もらった", "いっしょにあそぼう",
	"とった", "ぶった", "ぶたれた", "いや", "たすけて",
	"ありがとう", "ごめんなさい", "だいじょうぶ", "がんばって", "ただいま", "おかえり",
	"おかあさん", "おとうさん", "おばあちゃん", "おじいちゃん", "ともだち", "せんせい",
	"ようちえん", "こうえん", "おやつ", "アイス", "ジュース", "ごはん", "いたい", "おなかいたい",
}

const promptVocabularyLimit = 50

// ChildVocabularyPrompt is an initial prompt for Japanese child speech.
func ChildVocabularyPrompt() string {
	words := childVocabulary
	if len(words) > promptVocabularyLimit {
		words = words[:promptVocabularyLimit]
	}
	return "句読点は『、。』を使用。半角英数。日付・数値はそのまま数字で。" +
		"次の語彙を優先：" + strings.Join(words, "、") + "。" +
		"「おもちゃ」は「もちゃ」と略さない。"
}
