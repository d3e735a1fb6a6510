// Package ea scrapes the EA enforcement-action register. Unlike the
// HSE registers it is filtered by a date window and action category
// rather than paged from the top, and reports the total matching count
// on every result page.
package ea

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"regwatch-backend/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Action categories accepted by the register's filter form.
const (
	CategoryCourtCase         = "court-case"
	CategoryCaution           = "caution"
	CategoryEnforcementNotice = "enforcement-notice"
)

type Client struct {
	http *resty.Client
}

type ClientOptions struct {
	BaseUrl string
}

func NewClient(opts ClientOptions) *Client {
	baseUrl := opts.BaseUrl
	if baseUrl == "" {
		baseUrl = "https://environment.data.gov.uk"
	}

	client := resty.New()
	client.SetBaseURL(baseUrl)
	client.SetTimeout(time.Second * 30)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(time.Second * 2)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		return err != nil || res.StatusCode() >= 500
	})

	telemetry.InstrumentResty(client, "scrapers/ea/http")

	return &Client{http: client}
}

type ActionRow struct {
	Reference    string
	OffenderName string
	Category     string
	ActionDate   time.Time
	Locality     string
	Fine         decimal.Decimal
	Breaches     []string
	SourceURL    string
}

// ActionPage is one offset-window of filtered results. Total is the
// full matching count for the filter, known from the first page on.
type ActionPage struct {
	Actions []ActionRow
	Total   int
}

const dateLayout = "2006-01-02"

var totalCountRegex = regexp.MustCompile(`(\d+)\s+results?`)

// FetchActions fetches one window of the register filtered by the date
// range and categories, starting at the given record offset.
func (c *Client) FetchActions(ctx context.Context, from, to time.Time, categories []string, offset int) (ActionPage, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("from", from.Format(dateLayout)).
		SetQueryParam("to", to.Format(dateLayout)).
		SetQueryParam("offset", fmt.Sprint(offset)).
		SetQueryParamsFromValues(url.Values{"category": categories})

	res, err := req.Get("/public-register/enforcement-action/registration")
	if err != nil {
		return ActionPage{}, err
	}
	if res.IsError() {
		return ActionPage{}, fmt.Errorf("ea: register returned status %d", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return ActionPage{}, err
	}

	page := ActionPage{}

	countText := doc.Find("p.result-count").First().Text()
	groups := totalCountRegex.FindStringSubmatch(countText)
	if len(groups) == 2 {
		page.Total, _ = strconv.Atoi(groups[1])
	}

	doc.Find("div.enforcement-action").Each(func(i int, div *goquery.Selection) {
		reference := strings.TrimSpace(div.Find("span.action-reference").First().Text())
		if reference == "" {
			return
		}

		row := ActionRow{
			Reference:    reference,
			OffenderName: strings.TrimSpace(div.Find("span.offender-name").First().Text()),
			Category:     div.AttrOr("data-category", ""),
			Locality:     strings.TrimSpace(div.Find("span.offender-locality").First().Text()),
			SourceURL:    div.Find("a.action-link").AttrOr("href", ""),
		}

		date, err := time.Parse(dateLayout, div.AttrOr("data-date", ""))
		if err == nil {
			row.ActionDate = date
		}

		fineText := strings.TrimSpace(div.Find("span.action-fine").First().Text())
		fineText = strings.TrimPrefix(fineText, "£")
		fineText = strings.ReplaceAll(fineText, ",", "")
		if fineText != "" {
			fine, err := decimal.NewFromString(fineText)
			if err == nil {
				row.Fine = fine
			}
		}

		div.Find("li.action-breach").Each(func(_ int, li *goquery.Selection) {
			citation := strings.TrimSpace(li.Text())
			if citation != "" {
				row.Breaches = append(row.Breaches, citation)
			}
		})

		page.Actions = append(page.Actions, row)
	})
	return page, nil
}
