package setup

import (
	"fmt"
	"math/rand"
)

var (
	nameAdjectives = []string{
		"Amber", "Bold", "Brave", "Bright", "Calm", "Clever", "Cosmic", "Crimson",
		"Daring", "Eager", "Fierce", "Gentle", "Golden", "Happy", "Honest", "Jolly",
		"Keen", "Lucky", "Mighty", "Noble", "Quiet", "Rapid", "Silver", "Steady",
		"Swift", "Tidy", "Vivid", "Wise",
	}
	nameNouns = []string{
		"Badger", "Bison", "Condor", "Falcon", "Fox", "Gecko", "Heron", "Ibex",
		"Jaguar", "Koala", "Lynx", "Marmot", "Otter", "Owl", "Panda", "Puffin",
		"Raven", "Salmon", "Tiger", "Walrus", "Wombat", "Yak",
	}
)

// RandomName returns a default guardian name such as "SwiftOtter0421".
func RandomName() string {
	return fmt.Sprintf("%s%s%04d",
		nameAdjectives[rand.Intn(len(nameAdjectives))],
		nameNouns[rand.Intn(len(nameNouns))],
		rand.Intn(10000))
}
