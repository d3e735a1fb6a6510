package companieshouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"regwatch-backend/lib/telemetry"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrUnauthorized covers missing or rejected credentials. Callers
	// treat this as registry-unavailable, never as a record failure.
	ErrUnauthorized = errors.New("companieshouse: unauthorized")
	ErrRateLimited  = errors.New("companieshouse: rate limited")
	ErrNotFound     = errors.New("companieshouse: not found")
)

type Client struct {
	http *resty.Client
}

type ClientOptions struct {
	// BaseUrl defaults to the public API endpoint.
	BaseUrl string
	ApiKey  string
}

func NewClient(opts ClientOptions) *Client {
	baseUrl := opts.BaseUrl
	if baseUrl == "" {
		baseUrl = "https://api.company-information.service.gov.uk"
	}

	client := resty.New()
	client.SetBaseURL(baseUrl)
	// the API uses the key as a basic-auth username with a blank password
	client.SetBasicAuth(opts.ApiKey, "")
	client.SetTimeout(time.Second * 20)
	client.SetRetryCount(2)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		return err != nil || res.StatusCode() >= 500
	})

	telemetry.InstrumentResty(client, "companieshouse/http")

	return &Client{http: client}
}

var trailingAnnotationRegex = regexp.MustCompile(`\s*[(\[].*$`)

// NormalizeCompanyNumber prepares a scraped registration number for a
// registry lookup: trailing annotation text ("(in liquidation)" and the
// like) is stripped, whitespace trimmed, and 7-digit numeric
// identifiers left-padded to 8. Identifiers with an alphabetic prefix
// (SC, NI, OC, ...) are left untouched beyond trimming.
func NormalizeCompanyNumber(number string) string {
	number = trailingAnnotationRegex.ReplaceAllString(number, "")
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return ""
	}

	allDigits := true
	for _, r := range number {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits && len(number) == 7 {
		return "0" + number
	}
	return number
}

type Address struct {
	AddressLine1 string `json:"address_line_1"`
	AddressLine2 string `json:"address_line_2"`
	Locality     string `json:"locality"`
	PostalCode   string `json:"postal_code"`
}

type Profile struct {
	CompanyName      string  `json:"company_name"`
	CompanyNumber    string  `json:"company_number"`
	CompanyStatus    string  `json:"company_status"`
	Type             string  `json:"type"`
	RegisteredOffice Address `json:"registered_office_address"`
}

func classifyStatus(res *resty.Response) error {
	switch res.StatusCode() {
	case 401, 403:
		return ErrUnauthorized
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimited
	}
	if res.IsError() {
		return fmt.Errorf("companieshouse: unexpected status %d", res.StatusCode())
	}
	return nil
}

func (c *Client) LookupByNumber(ctx context.Context, number string) (Profile, error) {
	number = NormalizeCompanyNumber(number)
	if number == "" {
		return Profile{}, ErrNotFound
	}

	var profile Profile
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&profile).
		Get("/company/" + number)
	if err != nil {
		return Profile{}, err
	}
	if err := classifyStatus(res); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

type searchResult struct {
	Items []struct {
		Title           string `json:"title"`
		CompanyNumber   string `json:"company_number"`
		CompanyStatus   string `json:"company_status"`
		CompanyType     string `json:"company_type"`
		AddressSnippet  string `json:"address_snippet"`
		Address         Address `json:"address"`
	} `json:"items"`
}

func (c *Client) SearchByName(ctx context.Context, name string, pageSize int) ([]Profile, error) {
	if pageSize <= 0 {
		pageSize = 10
	}

	var result searchResult
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("q", name).
		SetQueryParam("items_per_page", fmt.Sprint(pageSize)).
		SetResult(&result).
		Get("/search/companies")
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(res); err != nil {
		return nil, err
	}

	profiles := make([]Profile, len(result.Items))
	for i, item := range result.Items {
		profiles[i] = Profile{
			CompanyName:      item.Title,
			CompanyNumber:    item.CompanyNumber,
			CompanyStatus:    item.CompanyStatus,
			Type:             item.CompanyType,
			RegisteredOffice: item.Address,
		}
	}
	return profiles, nil
}
