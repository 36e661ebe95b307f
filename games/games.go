// Package games lists the two-player games served by the matchbox
// binary. Each game's rules and rendering live entirely in its browser
// client; the server only knows the slug, which tags rooms so a pong
// code can never join a duel match.
package games

// Game describes one multiplayer game.
type Game struct {
	Slug        string
	Title       string
	Description string
}

var Registry = []Game{
	{Slug: "pong", Title: "Pong", Description: "Classic two-player paddle rally."},
	{Slug: "duel", Title: "Duel", Description: "Zero-g ship duel with gravity flips."},
	{Slug: "connect-four", Title: "Connect Four", Description: "Drop discs, connect four first."},
	{Slug: "gravity-switch", Title: "Gravity Switch", Description: "Dodge obstacles while gravity flips."},
	{Slug: "micro-tanks", Title: "Micro Tanks", Description: "Tiny tanks and ricochet shells."},
}

// Lookup returns the registered game for a slug.
func Lookup(slug string) (Game, bool) {
	for _, game := range Registry {
		if game.Slug == slug {
			return game, true
		}
	}
	return Game{}, false
}
