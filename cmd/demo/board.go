package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pterm/pterm"

	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/tactics"
)

type boardUnit struct {
	id    string
	owner int
	class string
	x, y  int
	hp    int
}

func boardUnits(doc gamestate.Doc) []boardUnit {
	ids := doc.EntityIDs()
	sort.Strings(ids)
	units := make([]boardUnit, 0, len(ids))
	for _, id := range ids {
		entity, ok := doc.Entity(id)
		if !ok {
			continue
		}
		units = append(units, boardUnit{
			id:    id,
			owner: intField(entity, "owner"),
			class: stringField(entity, "class"),
			x:     intField(entity, "x"),
			y:     intField(entity, "y"),
			hp:    intField(entity, "hp"),
		})
	}
	return units
}

func renderBoard(doc gamestate.Doc) {
	var grid [tactics.BoardSize][tactics.BoardSize]string
	for y := range grid {
		for x := range grid[y] {
			grid[y][x] = pterm.Gray("·")
		}
	}
	for _, unit := range boardUnits(doc) {
		if unit.x < 0 || unit.x >= tactics.BoardSize || unit.y < 0 || unit.y >= tactics.BoardSize {
			continue
		}
		grid[unit.y][unit.x] = unitGlyph(unit)
	}

	table := pterm.TableData{headerRow()}
	for y := 0; y < tactics.BoardSize; y++ {
		row := make([]string, 0, tactics.BoardSize+1)
		row = append(row, fmt.Sprint(y))
		row = append(row, grid[y][:]...)
		table = append(table, row)
	}
	_ = pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(table).Render()

	for _, unit := range boardUnits(doc) {
		pterm.Printfln("  %s %s hp %d at (%d,%d)", ownerTint(unit.owner, fmt.Sprintf("p%d", unit.owner)), unit.id, unit.hp, unit.x, unit.y)
	}
	pterm.Println()
}

func headerRow() []string {
	row := []string{" "}
	for x := 0; x < tactics.BoardSize; x++ {
		row = append(row, fmt.Sprint(x))
	}
	return row
}

func unitGlyph(unit boardUnit) string {
	initial := "?"
	if unit.class != "" {
		initial = strings.ToUpper(unit.class[:1])
	}
	return ownerTint(unit.owner, fmt.Sprintf("%s%d", initial, unit.owner))
}

func ownerTint(owner int, text string) string {
	if owner == 0 {
		return pterm.LightCyan(text)
	}
	return pterm.LightMagenta(text)
}

func intField(entity map[string]any, name string) int {
	value, ok := entity[name].(float64)
	if !ok {
		return 0
	}
	return int(value)
}

func stringField(entity map[string]any, name string) string {
	value, _ := entity[name].(string)
	return value
}
