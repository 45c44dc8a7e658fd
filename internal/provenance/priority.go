package provenance

// PriorityTable is the survivorship configuration: an ordered list of source
// systems per field, most authoritative first, plus a default order for
// fields without their own entry. Loaded at startup and injected; never a
// process-wide singleton, so tests can substitute a scoped table.
type PriorityTable struct {
	perField map[string][]string
	fallback []string
}

// NewPriorityTable builds a table. fallback applies to any field not listed
// in perField.
func NewPriorityTable(perField map[string][]string, fallback []string) *PriorityTable {
	cp := make(map[string][]string, len(perField))
	for k, v := range perField {
		cp[k] = append([]string(nil), v...)
	}
	return &PriorityTable{perField: cp, fallback: append([]string(nil), fallback...)}
}

// unrankedSource sorts after every listed source.
const unrankedSource = 1 << 20

// Rank returns the position of source in the priority order for field;
// lower is more authoritative. Sources absent from the order rank below all
// listed ones, equally.
func (t *PriorityTable) Rank(field, source string) int {
	order, ok := t.perField[field]
	if !ok {
		order = t.fallback
	}
	for i, s := range order {
		if s == source {
			return i
		}
	}
	return unrankedSource
}
