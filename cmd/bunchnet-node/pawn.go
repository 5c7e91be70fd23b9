package main

import "github.com/geph-official/bunchnet/libs/repl"

const (
	fHealth = iota
	fLocation
	fName
	fAmmo
)

const (
	mSay = iota
	mJump
)

var pawnClass = repl.MustClass(1, "Pawn", []repl.Field{
	{Name: "health", Size: 4},
	{Name: "location", Size: 4, ArrayDim: 3},
	{Name: "name", Size: 16, Cond: repl.InitialOnly},
	{Name: "ammo", Size: 4, Cond: repl.OwnerOnly},
}, []repl.Method{
	{Name: "say", Params: []repl.Param{{Name: "text"}}, Reliable: true},
	{Name: "jump", Params: []repl.Param{{Name: "height", Size: 4}}},
})

var classes = repl.NewRegistry(pawnClass)
