package internal

import "hash/fnv"

// Color classes
const (
	ColorDefault = "color-default"
	ColorSystem  = "color-system"
	ColorSelf    = "color-self"
)

// PlayerColors is the palette for everyone who is neither System nor self
var PlayerColors = []string{
	"color-player1",
	"color-player2",
	"color-player3",
	"color-player4",
}

// ColorAssigner maps display names to color classes.
// Self is compared by value, so every participant sharing the local
// user's name is colored as self.
type ColorAssigner struct {
	Self string
}

// Classify returns the color class for name. It keeps no state.
func (a ColorAssigner) Classify(name string) string {
	switch {
	case name == "":
		return ColorDefault
	case name == SystemSender:
		return ColorSystem
	case name == a.Self:
		return ColorSelf
	default:
		return PlayerColor(name)
	}
}

// PlayerColor hashes name (FNV-1a) onto the player palette
func PlayerColor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return PlayerColors[h.Sum32()%uint32(len(PlayerColors))]
}
