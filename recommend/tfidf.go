package recommend

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// 英文停用词表，构建文档向量前剔除。
var englishStopwords = map[string]struct{}{}

func init() {
	words := []string{
		"a", "about", "above", "after", "again", "against", "all", "am", "an",
		"and", "any", "are", "as", "at", "be", "because", "been", "before",
		"being", "below", "between", "both", "but", "by", "can", "cannot",
		"could", "did", "do", "does", "doing", "down", "during", "each",
		"few", "for", "from", "further", "had", "has", "have", "having",
		"he", "her", "here", "hers", "herself", "him", "himself", "his",
		"how", "i", "if", "in", "into", "is", "it", "its", "itself", "just",
		"me", "more", "most", "my", "myself", "no", "nor", "not", "now",
		"of", "off", "on", "once", "only", "or", "other", "our", "ours",
		"ourselves", "out", "over", "own", "same", "she", "should", "so",
		"some", "such", "than", "that", "the", "their", "theirs", "them",
		"themselves", "then", "there", "these", "they", "this", "those",
		"through", "to", "too", "under", "until", "up", "very", "was", "we",
		"were", "what", "when", "where", "which", "while", "who", "whom",
		"why", "will", "with", "you", "your", "yours", "yourself",
		"yourselves",
	}
	for _, w := range words {
		englishStopwords[w] = struct{}{}
	}
}

// TFIDFVectorizer 是一个有界词表的 TF-IDF 向量化器。
// Fit 后状态不可变，可安全地被并发 Transform。
type TFIDFVectorizer struct {
	Vocabulary  map[string]int // term -> 列下标
	IDF         []float64      // 与 Vocabulary 对齐
	MaxFeatures int
	NGramMin    int
	NGramMax    int
}

// NewTFIDFVectorizer 创建向量化器。非法的 ngram 区间回退为 (1, 2)。
func NewTFIDFVectorizer(maxFeatures, ngramMin, ngramMax int) *TFIDFVectorizer {
	if maxFeatures <= 0 {
		maxFeatures = 1000
	}
	if ngramMin < 1 || ngramMax < ngramMin {
		ngramMin, ngramMax = 1, 2
	}
	return &TFIDFVectorizer{
		MaxFeatures: maxFeatures,
		NGramMin:    ngramMin,
		NGramMax:    ngramMax,
	}
}

// tokenize 小写化并按非字母数字切分，丢弃单字符词与停用词。
func tokenize(doc string) []string {
	fields := strings.FieldsFunc(strings.ToLower(doc), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := englishStopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// ngrams 生成 [NGramMin, NGramMax] 区间内的所有 n-gram（空格连接）。
func (v *TFIDFVectorizer) ngrams(tokens []string) []string {
	grams := make([]string, 0, len(tokens)*(v.NGramMax-v.NGramMin+1))
	for n := v.NGramMin; n <= v.NGramMax; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			grams = append(grams, strings.Join(tokens[i:i+n], " "))
		}
	}
	return grams
}

// Fit 在语料上拟合词表与 IDF。
// 词表按语料词频截断到 MaxFeatures（同频按字典序），IDF 采用平滑公式
// ln((1+n)/(1+df)) + 1。
func (v *TFIDFVectorizer) Fit(docs []string) {
	termCount := make(map[string]int)
	docFreq := make(map[string]int)

	for _, doc := range docs {
		grams := v.ngrams(tokenize(doc))
		seen := make(map[string]struct{}, len(grams))
		for _, g := range grams {
			termCount[g]++
			if _, ok := seen[g]; !ok {
				seen[g] = struct{}{}
				docFreq[g]++
			}
		}
	}

	terms := make([]string, 0, len(termCount))
	for t := range termCount {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if termCount[terms[i]] != termCount[terms[j]] {
			return termCount[terms[i]] > termCount[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > v.MaxFeatures {
		terms = terms[:v.MaxFeatures]
	}
	sort.Strings(terms)

	v.Vocabulary = make(map[string]int, len(terms))
	v.IDF = make([]float64, len(terms))
	n := float64(len(docs))
	for i, t := range terms {
		v.Vocabulary[t] = i
		v.IDF[i] = math.Log((1+n)/(1+float64(docFreq[t]))) + 1
	}
}

// Transform 把单个文档转换为 L2 归一化的 TF-IDF 向量。
func (v *TFIDFVectorizer) Transform(doc string) []float64 {
	vec := make([]float64, len(v.IDF))
	for _, g := range v.ngrams(tokenize(doc)) {
		if idx, ok := v.Vocabulary[g]; ok {
			vec[idx]++
		}
	}

	var sumSq float64
	for i := range vec {
		vec[i] *= v.IDF[i]
		sumSq += vec[i] * vec[i]
	}
	if sumSq > 0 {
		norm := math.Sqrt(sumSq)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
