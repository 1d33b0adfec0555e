package circuit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appservice/armappservice/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/streamrelay/internal/runtime/config"
	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/telemetry"
)

const ownerNameSuffix = "webspace"

// FunctionApp locates a function app in the management API.
type FunctionApp struct {
	SubscriptionID    string
	ResourceGroupName string
	AppName           string
}

// ParseOwnerName splits an owner name of the form
// {subscriptionId}+{resourceGroupName}-{region}webspace.
func ParseOwnerName(owner string) (subscriptionID, resourceGroup string, err error) {
	sub, rest, ok := strings.Cut(owner, "+")
	if !ok || sub == "" {
		return "", "", fmt.Errorf("owner name %q: missing subscription id", owner)
	}
	rest, ok = strings.CutSuffix(rest, ownerNameSuffix)
	if !ok {
		return "", "", fmt.Errorf("owner name %q: missing %s suffix", owner, ownerNameSuffix)
	}
	// region names carry no dashes, resource group names may
	i := strings.LastIndex(rest, "-")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("owner name %q: expected {resourceGroup}-{region}", owner)
	}
	return sub, rest[:i], nil
}

// FunctionAppFromEnv reads the app coordinates from the variables named in cfg.
// The resource group variable wins over the one embedded in the owner name.
func FunctionAppFromEnv(cfg config.ManagementConfig, lookup func(string) (string, bool)) (FunctionApp, error) {
	cfg = config.Config{Management: cfg}.WithDefaults().Management

	var errs []error
	get := func(name string) string {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("environment variable %s is not set", name))
			return ""
		}
		return strings.TrimSpace(v)
	}

	app := FunctionApp{AppName: get(cfg.AppNameVar)}
	owner := get(cfg.OwnerNameVar)
	if owner != "" {
		sub, rg, err := ParseOwnerName(owner)
		if err != nil {
			errs = append(errs, err)
		}
		app.SubscriptionID = sub
		app.ResourceGroupName = rg
	}
	if rg, ok := lookup(cfg.ResourceGroupVar); ok && strings.TrimSpace(rg) != "" {
		app.ResourceGroupName = strings.TrimSpace(rg)
	}
	if err := errors.Join(errs...); err != nil {
		return FunctionApp{}, err
	}
	return app, nil
}

// StaticToken is a fixed bearer token, for local runs against a stub of the
// management API.
type StaticToken string

// GetToken implements azcore.TokenCredential.
func (t StaticToken) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: string(t), ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// NewManagedIdentityCredential authenticates as the function app's managed
// identity. An empty clientID selects the system-assigned identity.
func NewManagedIdentityCredential(clientID string) (azcore.TokenCredential, error) {
	opts := &azidentity.ManagedIdentityCredentialOptions{}
	if clientID != "" {
		opts.ID = azidentity.ClientID(clientID)
	}
	cred, err := azidentity.NewManagedIdentityCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("managed identity credential: %w", err)
	}
	return cred, nil
}

// NewDefaultCredential walks the usual credential chain: environment,
// workload identity, managed identity, then developer tool logins.
func NewDefaultCredential() (azcore.TokenCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("default azure credential: %w", err)
	}
	return cred, nil
}

// ManagementBreaker disables a function by setting
// AzureWebJobs.<function>.Disabled in the app settings. Failures are logged
// and traced, never returned.
type ManagementBreaker struct {
	app           FunctionApp
	sites         *armappservice.WebAppsClient
	clientOptions *arm.ClientOptions
	timeout       time.Duration
	logger        logging.ServiceLogger
}

// ManagementOption configures a ManagementBreaker.
type ManagementOption func(*ManagementBreaker)

// WithClientOptions passes options to the resource manager client, such as a
// custom transport or retry policy.
func WithClientOptions(opts *arm.ClientOptions) ManagementOption {
	return func(b *ManagementBreaker) { b.clientOptions = opts }
}

// WithManagementLogger sets the logger for disable outcomes.
func WithManagementLogger(logger logging.ServiceLogger) ManagementOption {
	return func(b *ManagementBreaker) { b.logger = logger }
}

// WithDisableTimeout bounds the whole disable call.
func WithDisableTimeout(d time.Duration) ManagementOption {
	return func(b *ManagementBreaker) { b.timeout = d }
}

// NewManagementBreaker builds a breaker for app. A nil credential yields a
// breaker whose every disable fails, which keeps a misconfigured app relaying.
func NewManagementBreaker(app FunctionApp, credential azcore.TokenCredential, cfg config.ManagementConfig, opts ...ManagementOption) (*ManagementBreaker, error) {
	cfg = config.Config{Management: cfg}.WithDefaults().Management
	b := &ManagementBreaker{
		app:     app,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)

	if credential == nil {
		return b, nil
	}
	sites, err := armappservice.NewWebAppsClient(app.SubscriptionID, credential, managementClientOptions(cfg, b.clientOptions))
	if err != nil {
		return nil, fmt.Errorf("creating web apps client: %w", err)
	}
	b.sites = sites
	return b, nil
}

func managementClientOptions(cfg config.ManagementConfig, base *arm.ClientOptions) *arm.ClientOptions {
	opts := &arm.ClientOptions{}
	if base != nil {
		copied := *base
		opts = &copied
	}
	if opts.APIVersion == "" {
		opts.APIVersion = cfg.APIVersion
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/")
	if endpoint != config.DefaultManagementURL && len(opts.Cloud.Services) == 0 {
		public := cloud.AzurePublic
		opts.Cloud = cloud.Configuration{
			ActiveDirectoryAuthorityHost: public.ActiveDirectoryAuthorityHost,
			Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
				cloud.ResourceManager: {
					Endpoint: endpoint,
					Audience: public.Services[cloud.ResourceManager].Audience,
				},
			},
		}
	}
	return opts
}

// DisabledSetting is the app setting that turns function name off.
func DisabledSetting(functionName string) string {
	return "AzureWebJobs." + functionName + ".Disabled"
}

// Break disables workerName and always returns nil.
func (b *ManagementBreaker) Break(ctx context.Context, workerName string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "circuit.DisableFunction")
	defer span.End()
	span.SetAttributes(
		attribute.String("function.app", b.app.AppName),
		attribute.String("function.name", workerName),
	)

	if err := b.Disable(ctx, workerName); err != nil {
		failure := &rterrors.PlatformError{Operation: "disable function " + workerName, Cause: err}
		span.RecordError(failure)
		span.SetStatus(codes.Error, "disable failed")
		b.logger.Error("Disabling function failed", failure, logging.LogFields{
			"function_name": workerName,
			"function_app":  b.app.AppName,
		})
		return nil
	}
	b.logger.Info("Function disabled", logging.LogFields{
		"function_name": workerName,
		"function_app":  b.app.AppName,
	})
	return nil
}

// Disable reads the current app settings and writes them back with the
// function's disabled flag set. The settings endpoint replaces the whole
// collection, hence the read.
func (b *ManagementBreaker) Disable(ctx context.Context, functionName string) error {
	if b.sites == nil {
		return errors.New("no management API credential configured")
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	current, err := b.sites.ListApplicationSettings(ctx, b.app.ResourceGroupName, b.app.AppName, nil)
	if err != nil {
		return fmt.Errorf("listing app settings: %w", err)
	}
	properties := current.Properties
	if properties == nil {
		properties = map[string]*string{}
	}
	properties[DisabledSetting(functionName)] = to.Ptr("true")

	update := armappservice.StringDictionary{Kind: current.Kind, Properties: properties}
	if _, err := b.sites.UpdateApplicationSettings(ctx, b.app.ResourceGroupName, b.app.AppName, update, nil); err != nil {
		return fmt.Errorf("updating app settings: %w", err)
	}
	return nil
}
