/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

func getFavicon() string {
	return `<meta name="theme-color" content="#ffffff">
	<link rel="icon" href="data:image/svg+xml,<svg xmlns=%22http://www.w3.org/2000/svg%22 viewBox=%220 0 100 100%22><text y=%22.9em%22 font-size=%2290%22>🎮</text></svg>">`
}
