package cluster

// computePrice decays a price from startPrice to endPrice over
// totalSeconds, mirroring the on-chain purchase pricing. Pure integer
// math; prices are in lamports.
func computePrice(totalSeconds, startPrice, endPrice, secondsElapsed uint64) uint64 {
	if secondsElapsed >= totalSeconds {
		return endPrice
	}

	delta := (startPrice - endPrice) / 1000
	endPrice /= 1000

	ac := delta * 101

	ab := ((100 * delta * secondsElapsed) / totalSeconds) + delta

	bc := ((100 * 101 * secondsElapsed) / totalSeconds) + 101

	return (endPrice + ((ac - ab) / bc)) * 1000
}

// computeMinimumBid returns the minimum acceptable next bid for an
// auction, mirroring the on-chain bid pricing. The result is clamped to
// [currentMaxBid + 2%, 2*currentMaxBid + 1%].
func computeMinimumBid(auctionDuration, initialMinimumBid, currentMaxBid, secondsElapsed uint64) uint64 {
	if currentMaxBid < initialMinimumBid {
		currentMaxBid = initialMinimumBid
	}
	if secondsElapsed > auctionDuration {
		secondsElapsed = auctionDuration
	}

	a := secondsElapsed
	b := auctionDuration
	p := currentMaxBid

	result := (p * (((1000 * b) / ((b + (b / 100)) - a)) + 101000)) / 100000

	minResult := currentMaxBid + (currentMaxBid / 50)
	maxResult := (2 * currentMaxBid) + (currentMaxBid / 100)

	if result < minResult {
		return minResult
	}
	if result > maxResult {
		return maxResult
	}
	return result
}
