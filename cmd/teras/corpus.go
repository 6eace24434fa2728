package main

import (
	"flag"
	"math/rand"

	"github.com/janpfeifer/teras/internal/models"
	"github.com/pkg/errors"
)

var (
	flagNumSentences = flag.Int("num_sentences", 512, "Number of sentences of the synthetic treebank, "+
		"a fifth of them is held out for evaluation.")
	flagMaxLen     = flag.Int("max_len", 20, "Maximum sentence length, including the root token.")
	flagCorpusSeed = flag.Int64("corpus_seed", 1, "Random seed of the synthetic treebank.")
)

// Reserved ids of the synthetic treebank.
const (
	rootWord = 1
	rootTag  = 1
	verbTag  = 2
)

// Corpus of sentences with their gold dependency heads.
type Corpus struct {
	Words, Tags [][]int32
	Heads       [][]int
}

// Len returns the number of sentences.
func (c *Corpus) Len() int { return len(c.Words) }

// Slice returns the sentences [from, to).
func (c *Corpus) Slice(from, to int) *Corpus {
	return &Corpus{Words: c.Words[from:to], Tags: c.Tags[from:to], Heads: c.Heads[from:to]}
}

// Batches splits the corpus in batches of up to batchSize sentences.
func (c *Corpus) Batches(batchSize int) []*Corpus {
	var batches []*Corpus
	for from := 0; from < c.Len(); from += batchSize {
		batches = append(batches, c.Slice(from, min(from+batchSize, c.Len())))
	}
	return batches
}

// syntheticCorpus generates numSentences random sentences: the first token is the root, exactly one
// token (the "verb") attaches to the root, and every other token attaches to the verb.
func syntheticCorpus(rng *rand.Rand, numSentences, maxLen, wordVocab, tagVocab int) (*Corpus, error) {
	if maxLen < 2 {
		return nil, errors.Errorf("-max_len must be >= 2 (root and verb), got %d", maxLen)
	}
	if wordVocab < 3 || tagVocab < 4 {
		return nil, errors.Errorf("synthetic treebank requires word_vocab >= 3 and tag_vocab >= 4, got %d and %d",
			wordVocab, tagVocab)
	}
	c := &Corpus{
		Words: make([][]int32, numSentences),
		Tags:  make([][]int32, numSentences),
		Heads: make([][]int, numSentences),
	}
	for ii := range numSentences {
		length := 2 + rng.Intn(maxLen-1)
		words, tags, heads := make([]int32, length), make([]int32, length), make([]int, length)
		words[0], tags[0] = rootWord, rootTag
		verb := 1 + rng.Intn(length-1)
		for jj := 1; jj < length; jj++ {
			words[jj] = int32(2 + rng.Intn(wordVocab-2))
			if jj == verb {
				tags[jj], heads[jj] = verbTag, 0
			} else {
				tags[jj], heads[jj] = int32(3+rng.Intn(tagVocab-3)), verb
			}
		}
		c.Words[ii], c.Tags[ii], c.Heads[ii] = words, tags, heads
	}
	return c, nil
}

// createCorpora returns the train and evaluation splits of the synthetic treebank sized for scorer.
func createCorpora(scorer *models.ArcScorer) (trainCorpus, evalCorpus *Corpus, err error) {
	wordVocab, tagVocab := scorer.Vocabularies()
	rng := rand.New(rand.NewSource(*flagCorpusSeed))
	corpus, err := syntheticCorpus(rng, *flagNumSentences, *flagMaxLen, wordVocab, tagVocab)
	if err != nil {
		return nil, nil, err
	}
	numEval := corpus.Len() / 5
	return corpus.Slice(numEval, corpus.Len()), corpus.Slice(0, numEval), nil
}
