package room

import "math/rand/v2"

var (
	nameAdjectives = []string{"엄숙한", "치열한", "고요한", "은은한", "화려한"}
	nameNouns      = []string{"패황전", "국작당", "화룡사", "청죽관", "용봉장"}
)

// randomRoomName picks "<adjective> <noun>" from the fixed pools.
func randomRoomName() string {
	return nameAdjectives[rand.IntN(len(nameAdjectives))] + " " + nameNouns[rand.IntN(len(nameNouns))]
}
