package timeline

import "github.com/MarcoPoloResearchLab/chronosync/internal/events"

// ChangeType discriminates entries of a Diff.
type ChangeType string

const (
	// ChangeRegister records a register whose content differs between the cuts.
	ChangeRegister ChangeType = "register_change"
	// ChangeFileAdded records a file present only in the later state.
	ChangeFileAdded ChangeType = "file_added"
	// ChangeFileRemoved records a file present only in the earlier state.
	ChangeFileRemoved ChangeType = "file_removed"
)

// Change is one difference between two states.
type Change struct {
	Type       ChangeType         `json:"type"`
	RegisterID int                `json:"registerId,omitempty"`
	From       string             `json:"from,omitempty"`
	To         string             `json:"to,omitempty"`
	File       *events.FileRecord `json:"file,omitempty"`
}

// Diff describes what changed between two cuts.
type Diff struct {
	From    State    `json:"fromState"`
	To      State    `json:"toState"`
	Changes []Change `json:"changes"`
}

// Compare enumerates register content changes followed by removed and added files.
func Compare(from, to State) []Change {
	changes := make([]Change, 0)
	for _, register := range to.Registers {
		previous, _ := from.RegisterContent(register.ID)
		if previous != register.Content {
			changes = append(changes, Change{
				Type:       ChangeRegister,
				RegisterID: register.ID,
				From:       previous,
				To:         register.Content,
			})
		}
	}

	fromFiles := indexFiles(from.Files)
	toFiles := indexFiles(to.Files)
	for _, record := range from.Files {
		if _, ok := toFiles[record.StoredName]; !ok {
			removed := record
			changes = append(changes, Change{Type: ChangeFileRemoved, File: &removed})
		}
	}
	for _, record := range to.Files {
		if _, ok := fromFiles[record.StoredName]; !ok {
			added := record
			changes = append(changes, Change{Type: ChangeFileAdded, File: &added})
		}
	}
	return changes
}

func indexFiles(records []events.FileRecord) map[string]struct{} {
	index := make(map[string]struct{}, len(records))
	for _, record := range records {
		index[record.StoredName] = struct{}{}
	}
	return index
}
