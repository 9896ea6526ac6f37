package swap

import (
	"fmt"
	"io"
	"os"
	"sort"
)

// writeMermaid renders the state table as a mermaid state diagram. States
// and edges are sorted so the output is stable.
func writeMermaid(w io.Writer, states States) error {
	names := make([]string, 0, len(states))
	for state := range states {
		names = append(names, string(state))
	}
	sort.Strings(names)

	if _, err := fmt.Fprint(w, "```mermaid\nstateDiagram-v2\n"); err != nil {
		return err
	}
	for _, name := range names {
		edges := states[StateType(name)].Events
		from := name
		if from == "" {
			from = "[*]"
		} else if _, err := fmt.Fprintf(w, "%s\n", from); err != nil {
			return err
		}
		events := make([]string, 0, len(edges))
		for event := range edges {
			events = append(events, string(event))
		}
		sort.Strings(events)
		for _, event := range events {
			if _, err := fmt.Fprintf(w, "%s --> %s: %s\n", from, edges[EventType(event)], event); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprint(w, "```\n")
	return err
}

func writeMermaidFile(filename string, states States) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeMermaid(f, states)
}

func MakerStatesToMermaid(filename string) error {
	return writeMermaidFile(filename, getMakerStates())
}

func TakerStatesToMermaid(filename string) error {
	return writeMermaidFile(filename, getTakerStates())
}
