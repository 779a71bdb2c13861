package gamestate

// Top-level document conventions shared by the engine and domains. Entities
// live under entities/<id> as objects carrying an owner field; turn state
// lives under turn/{number,phase,active}; a domain declares victory by
// setting result/{winner,reason}.

// EntityPath addresses one entity object.
func EntityPath(id string) []string {
	return []string{"entities", id}
}

// Entity returns the entity object for id.
func (d Doc) Entity(id string) (map[string]any, bool) {
	value, ok := d.Get("entities", id)
	if !ok {
		return nil, false
	}
	entity, ok := value.(map[string]any)
	return entity, ok
}

// EntityExists reports whether id resolves to an entity object.
func (d Doc) EntityExists(id string) bool {
	_, ok := d.Entity(id)
	return ok
}

// EntityOwner returns the owning player index of an entity.
func (d Doc) EntityOwner(id string) (int, bool) {
	entity, ok := d.Entity(id)
	if !ok {
		return 0, false
	}
	owner, ok := entity["owner"].(float64)
	if !ok {
		return 0, false
	}
	return int(owner), true
}

// EntityIDs returns every entity id in the document, unordered.
func (d Doc) EntityIDs() []string {
	value, ok := d.Get("entities")
	if !ok {
		return nil
	}
	container, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(container))
	for id := range container {
		ids = append(ids, id)
	}
	return ids
}

// TurnNumber reads turn/number, defaulting to 1.
func (d Doc) TurnNumber() uint32 {
	number, ok := d.GetNumber("turn", "number")
	if !ok || number < 1 {
		return 1
	}
	return uint32(number)
}

// TurnPhase reads turn/phase, defaulting to "main".
func (d Doc) TurnPhase() string {
	phase, ok := d.GetString("turn", "phase")
	if !ok || phase == "" {
		return "main"
	}
	return phase
}

// ActivePlayer reads turn/active, the index of the player whose turn it is.
func (d Doc) ActivePlayer() int {
	active, ok := d.GetNumber("turn", "active")
	if !ok {
		return 0
	}
	return int(active)
}

// Outcome reads result/{winner,reason} when a domain has declared the game
// over.
func (d Doc) Outcome() (winner int, reason string, ok bool) {
	number, numberOK := d.GetNumber("result", "winner")
	if !numberOK {
		return 0, "", false
	}
	reason, reasonOK := d.GetString("result", "reason")
	if !reasonOK {
		return 0, "", false
	}
	return int(number), reason, true
}
