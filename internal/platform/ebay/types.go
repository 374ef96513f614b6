package ebay

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// tokenResponse is the body of a successful client-credentials grant.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// ---------------------------------------------------------------------------
// Browse API
// ---------------------------------------------------------------------------

type searchResponse struct {
	Href          string        `json:"href"`
	Total         int           `json:"total"`
	Next          string        `json:"next"`
	Limit         int           `json:"limit"`
	Offset        int           `json:"offset"`
	ItemSummaries []itemSummary `json:"itemSummaries"`
}

type itemSummary struct {
	ItemID          string           `json:"itemId"`
	Title           string           `json:"title"`
	Price           *amount          `json:"price"`
	ShippingOptions []shippingOption `json:"shippingOptions"`
	Seller          struct {
		Username string `json:"username"`
	} `json:"seller"`
	ItemWebURL string `json:"itemWebUrl"`
	Image      struct {
		ImageURL string `json:"imageUrl"`
	} `json:"image"`
	BuyingOptions []string `json:"buyingOptions"`
}

type shippingOption struct {
	ShippingCostType string  `json:"shippingCostType"`
	ShippingCost     *amount `json:"shippingCost"`
}

type amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// ---------------------------------------------------------------------------
// Merchandising API
// ---------------------------------------------------------------------------

type mostWatchedEnvelope struct {
	Response mostWatchedResponse `json:"getMostWatchedItemsResponse"`
}

type mostWatchedResponse struct {
	Ack                 string `json:"ack"`
	ItemRecommendations struct {
		Item merchItemList `json:"item"`
	} `json:"itemRecommendations"`
}

type merchItem struct {
	ItemID        string       `json:"itemId"`
	Title         string       `json:"title"`
	BuyItNowPrice *merchAmount `json:"buyItNowPrice"`
	CurrentPrice  *merchAmount `json:"currentPrice"`
}

type merchAmount struct {
	CurrencyID string          `json:"@currencyId"`
	Value      decimal.Decimal `json:"__value__"`
}

// merchItemList accepts either a single item object or an array, since the
// Merchandising API collapses one-element lists.
type merchItemList []merchItem

func (l *merchItemList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var items []merchItem
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var one merchItem
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = merchItemList{one}
	return nil
}

// price returns the buy-it-now price if present, else the current price.
func (it merchItem) price() (decimal.Decimal, bool) {
	if it.BuyItNowPrice != nil && it.BuyItNowPrice.Value.IsPositive() {
		return it.BuyItNowPrice.Value, true
	}
	if it.CurrentPrice != nil && it.CurrentPrice.Value.IsPositive() {
		return it.CurrentPrice.Value, true
	}
	return decimal.Zero, false
}

// ---------------------------------------------------------------------------
// Finding API
// ---------------------------------------------------------------------------

// The Finding API wraps every value, scalars included, in a JSON array.

type completedEnvelope struct {
	Response []completedResponse `json:"findCompletedItemsResponse"`
}

type completedResponse struct {
	Ack          []string `json:"ack"`
	SearchResult []struct {
		Item []completedItem `json:"item"`
	} `json:"searchResult"`
}

type completedItem struct {
	ItemID        []string `json:"itemId"`
	Title         []string `json:"title"`
	SellingStatus []struct {
		ConvertedCurrentPrice []merchAmount `json:"convertedCurrentPrice"`
		CurrentPrice          []merchAmount `json:"currentPrice"`
		SellingState          []string      `json:"sellingState"`
	} `json:"sellingStatus"`
}

func (e completedEnvelope) first() completedResponse {
	if len(e.Response) == 0 {
		return completedResponse{}
	}
	return e.Response[0]
}

func (r completedResponse) items() []completedItem {
	if len(r.SearchResult) == 0 {
		return nil
	}
	return r.SearchResult[0].Item
}

// price prefers the site-converted price over the listing currency.
func (it completedItem) price() (merchAmount, bool) {
	if len(it.SellingStatus) == 0 {
		return merchAmount{}, false
	}
	st := it.SellingStatus[0]
	for _, list := range [][]merchAmount{st.ConvertedCurrentPrice, st.CurrentPrice} {
		if len(list) > 0 && list[0].Value.IsPositive() {
			return list[0], true
		}
	}
	return merchAmount{}, false
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
