package search

type field uint8

const (
	fieldFilename field = 1 << iota
	fieldContent
	fieldTags
	fieldMetadata
)

var fieldBoosts = []struct {
	field field
	boost float64
}{
	{fieldFilename, 3},
	{fieldContent, 2},
	{fieldTags, 1.5},
	{fieldMetadata, 1},
}

func (mask field) boost() float64 {
	total := 0.0
	for _, entry := range fieldBoosts {
		if mask&entry.field != 0 {
			total += entry.boost
		}
	}
	return total
}

func (mask field) suggestable() bool {
	return mask&(fieldFilename|fieldContent) != 0
}

// shard is an inverted index over a set of documents.
type shard struct {
	documents map[string]Document
	postings  map[string]map[string]field
	docTerms  map[string][]string
	byEntity  map[string]map[string]struct{}
}

func newShard() *shard {
	return &shard{
		documents: make(map[string]Document),
		postings:  make(map[string]map[string]field),
		docTerms:  make(map[string][]string),
		byEntity:  make(map[string]map[string]struct{}),
	}
}

func (s *shard) size() int {
	return len(s.documents)
}

func (s *shard) add(document Document) {
	if _, exists := s.documents[document.ID]; exists {
		s.remove(document.ID)
	}
	s.documents[document.ID] = document
	if s.byEntity[document.EntityID] == nil {
		s.byEntity[document.EntityID] = make(map[string]struct{})
	}
	s.byEntity[document.EntityID][document.ID] = struct{}{}

	masks := make(map[string]field)
	mark := func(text string, f field) {
		for _, term := range uniqueTokens(text) {
			masks[term] |= f
		}
	}
	mark(document.Filename, fieldFilename)
	mark(document.Content, fieldContent)
	mark(document.Tags, fieldTags)
	mark(string(document.Type)+" "+document.EntityID, fieldMetadata)

	terms := make([]string, 0, len(masks))
	for term, mask := range masks {
		if s.postings[term] == nil {
			s.postings[term] = make(map[string]field)
		}
		s.postings[term][document.ID] = mask
		terms = append(terms, term)
	}
	s.docTerms[document.ID] = terms
}

func (s *shard) remove(documentID string) bool {
	document, ok := s.documents[documentID]
	if !ok {
		return false
	}
	for _, term := range s.docTerms[documentID] {
		delete(s.postings[term], documentID)
		if len(s.postings[term]) == 0 {
			delete(s.postings, term)
		}
	}
	delete(s.docTerms, documentID)
	delete(s.documents, documentID)
	if entity := s.byEntity[document.EntityID]; entity != nil {
		delete(entity, documentID)
		if len(entity) == 0 {
			delete(s.byEntity, document.EntityID)
		}
	}
	return true
}

func (s *shard) removeEntity(entityID string) []string {
	var removed []string
	for documentID := range s.byEntity[entityID] {
		removed = append(removed, documentID)
	}
	for _, documentID := range removed {
		s.remove(documentID)
	}
	return removed
}
