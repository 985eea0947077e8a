// Command batty supervises coding-agent CLIs inside a terminal multiplexer:
// detecting prompts, auto-answering known ones, delegating the rest to a
// Tier-2 supervisor, and driving phase/board/merge workflows end to end.
package main

func main() {
	Execute()
}
