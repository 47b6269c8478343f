package fingerprint

// Built-in profiles. ClientHello layouts follow published captures of the
// named builds (the same layouts uTLS parrots); HTTP/2 values are the Akamai
// fingerprints those builds produce.

var chromeCiphers = []uint16{
	GREASE,
	0x1301, 0x1302, 0x1303,
	0xc02b, 0xc02f, 0xc02c, 0xc030,
	0xcca9, 0xcca8,
	0xc013, 0xc014,
	0x009c, 0x009d, 0x002f, 0x0035,
}

var chromeSignatureAlgorithms = []uint16{
	0x0403, 0x0804, 0x0401,
	0x0503, 0x0805, 0x0501,
	0x0806, 0x0601,
}

// chromeExtensions returns the Chrome 124+ extension layout with the given
// ALPS codepoint. pre_shared_key is last and only sent when resuming.
func chromeExtensions(alps uint16) []uint16 {
	return []uint16{
		GREASE,
		ExtServerName,
		ExtExtendedMasterSecret,
		ExtRenegotiationInfo,
		ExtSupportedGroups,
		ExtECPointFormats,
		ExtSessionTicket,
		ExtALPN,
		ExtStatusRequest,
		ExtSignatureAlgorithms,
		ExtSCT,
		ExtKeyShare,
		ExtPSKKeyExchangeModes,
		ExtSupportedVersions,
		ExtCompressCertificate,
		alps,
		ExtEncryptedClientHello,
		GREASE,
		ExtPreSharedKey,
	}
}

func chromeTLS(alps uint16) TLSProfile {
	return TLSProfile{
		MinVersion:          0x0303,
		MaxVersion:          0x0304,
		CipherSuites:        chromeCiphers,
		Extensions:          chromeExtensions(alps),
		Curves:              []uint16{GREASE, 0x11ec, 0x001d, 0x0017, 0x0018},
		KeyShares:           []uint16{GREASE, 0x11ec, 0x001d},
		PointFormats:        []uint8{0},
		SignatureAlgorithms: chromeSignatureAlgorithms,
		SupportedVersions:   []uint16{GREASE, 0x0304, 0x0303},
		PSKModes:            []uint8{1},
		ALPN:                []string{"h2", "http/1.1"},
		ALPS:                []string{"h2"},
		CertCompression:     []uint16{2},
		SessionTicket:       true,
		PreSharedKey:        true,
		ECHGrease:           true,
	}
}

func chromeHTTP2() *HTTP2Profile {
	return &HTTP2Profile{
		Settings: []Setting{
			{SettingHeaderTableSize, 65536},
			{SettingEnablePush, 0},
			{SettingInitialWindowSize, 6291456},
			{SettingMaxHeaderListSize, 262144},
		},
		ConnectionWindowUpdate: 15663105,
		PseudoHeaderOrder:      []string{":method", ":authority", ":scheme", ":path"},
		HeaderPriority:         &Priority{Exclusive: true, Weight: 256},
	}
}

type platform struct {
	suffix   string
	ua       string
	chPlatfm string
}

var chromePlatforms = []platform{
	{"windows", "Windows NT 10.0; Win64; x64", `"Windows"`},
	{"macos", "Macintosh; Intel Mac OS X 10_15_7", `"macOS"`},
	{"linux", "X11; Linux x86_64", `"Linux"`},
}

func chromeHeaders(brand, ua, chPlatform string) []HeaderField {
	return []HeaderField{
		{"sec-ch-ua", brand},
		{"sec-ch-ua-mobile", "?0"},
		{"sec-ch-ua-platform", chPlatform},
		{"Upgrade-Insecure-Requests", "1"},
		{"User-Agent", ua},
		{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		{"Sec-Fetch-Site", "none"},
		{"Sec-Fetch-Mode", "navigate"},
		{"Sec-Fetch-User", "?1"},
		{"Sec-Fetch-Dest", "document"},
		{"Accept-Encoding", "gzip, deflate, br, zstd"},
		{"Accept-Language", "en-US,en;q=0.9"},
		{"Priority", "u=0, i"},
	}
}

func chrome(version, brand string, alps uint16, plat platform, name string) *Profile {
	ua := "Mozilla/5.0 (" + plat.ua + ") AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + version + ".0.0.0 Safari/537.36"
	return &Profile{
		Name:      name,
		UserAgent: ua,
		TLS:       chromeTLS(alps),
		HTTP2:     chromeHTTP2(),
		Headers:   chromeHeaders(brand, ua, plat.chPlatfm),
	}
}

func chromeFamily(version, brand string, alps uint16) []*Profile {
	base := "chrome-" + version
	out := []*Profile{chrome(version, brand, alps, chromePlatforms[0], base)}
	for _, plat := range chromePlatforms {
		out = append(out, chrome(version, brand, alps, plat, base+"-"+plat.suffix))
	}
	return out
}

var firefoxCiphers = []uint16{
	0x1301, 0x1303, 0x1302,
	0xc02b, 0xc02f, 0xcca9, 0xcca8, 0xc02c, 0xc030,
	0xc00a, 0xc009, 0xc013, 0xc014,
	0x009c, 0x009d, 0x002f, 0x0035,
}

var firefoxSignatureAlgorithms = []uint16{
	0x0403, 0x0503, 0x0603,
	0x0804, 0x0805, 0x0806,
	0x0401, 0x0501, 0x0601,
	0x0203, 0x0201,
}

func firefoxHeaders(ua string) []HeaderField {
	return []HeaderField{
		{"User-Agent", ua},
		{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		{"Accept-Language", "en-US,en;q=0.5"},
		{"Accept-Encoding", "gzip, deflate, br, zstd"},
		{"Upgrade-Insecure-Requests", "1"},
		{"Sec-Fetch-Dest", "document"},
		{"Sec-Fetch-Mode", "navigate"},
		{"Sec-Fetch-Site", "none"},
		{"Sec-Fetch-User", "?1"},
		{"Priority", "u=0, i"},
		{"TE", "trailers"},
	}
}

func firefox133() *Profile {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0"
	return &Profile{
		Name:      "firefox-133",
		UserAgent: ua,
		TLS: TLSProfile{
			MinVersion:   0x0303,
			MaxVersion:   0x0304,
			CipherSuites: firefoxCiphers,
			Extensions: []uint16{
				ExtServerName,
				ExtExtendedMasterSecret,
				ExtRenegotiationInfo,
				ExtSupportedGroups,
				ExtECPointFormats,
				ExtSessionTicket,
				ExtALPN,
				ExtStatusRequest,
				ExtDelegatedCredentials,
				ExtSCT,
				ExtKeyShare,
				ExtSupportedVersions,
				ExtSignatureAlgorithms,
				ExtPSKKeyExchangeModes,
				ExtRecordSizeLimit,
				ExtCompressCertificate,
				ExtEncryptedClientHello,
			},
			Curves:               []uint16{0x11ec, 0x001d, 0x0017, 0x0018, 0x0019, 0x0100, 0x0101},
			KeyShares:            []uint16{0x11ec, 0x001d, 0x0017},
			PointFormats:         []uint8{0},
			SignatureAlgorithms:  firefoxSignatureAlgorithms,
			DelegatedCredentials: []uint16{0x0403, 0x0503, 0x0603, 0x0203},
			SupportedVersions:    []uint16{0x0304, 0x0303},
			PSKModes:             []uint8{1},
			ALPN:                 []string{"h2", "http/1.1"},
			CertCompression:      []uint16{1, 2, 3},
			RecordSizeLimit:      0x4001,
			SessionTicket:        true,
			ECHGrease:            true,
		},
		HTTP2: &HTTP2Profile{
			Settings: []Setting{
				{SettingHeaderTableSize, 65536},
				{SettingEnablePush, 0},
				{SettingInitialWindowSize, 131072},
				{SettingMaxFrameSize, 16384},
			},
			ConnectionWindowUpdate: 12517377,
			PseudoHeaderOrder:      []string{":method", ":path", ":authority", ":scheme"},
			HeaderPriority:         &Priority{Weight: 42},
		},
		Headers: firefoxHeaders(ua),
	}
}

// firefox117 predates RFC 9218 priorities and still builds the classic
// PRIORITY dependency tree (leader, follower, unblocked, background,
// speculative, urgent-start groups) on streams 3 through 13.
func firefox117() *Profile {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:117.0) Gecko/20100101 Firefox/117.0"
	return &Profile{
		Name:      "firefox-117",
		UserAgent: ua,
		TLS: TLSProfile{
			MinVersion:   0x0303,
			MaxVersion:   0x0304,
			CipherSuites: firefoxCiphers,
			Extensions: []uint16{
				ExtServerName,
				ExtExtendedMasterSecret,
				ExtRenegotiationInfo,
				ExtSupportedGroups,
				ExtECPointFormats,
				ExtSessionTicket,
				ExtALPN,
				ExtStatusRequest,
				ExtDelegatedCredentials,
				ExtKeyShare,
				ExtSupportedVersions,
				ExtSignatureAlgorithms,
				ExtPSKKeyExchangeModes,
				ExtRecordSizeLimit,
				ExtEncryptedClientHello,
			},
			Curves:               []uint16{0x001d, 0x0017, 0x0018, 0x0019, 0x0100, 0x0101},
			KeyShares:            []uint16{0x001d, 0x0017},
			PointFormats:         []uint8{0},
			SignatureAlgorithms:  firefoxSignatureAlgorithms,
			DelegatedCredentials: []uint16{0x0403, 0x0503, 0x0603, 0x0203},
			SupportedVersions:    []uint16{0x0304, 0x0303},
			PSKModes:             []uint8{1},
			ALPN:                 []string{"h2", "http/1.1"},
			RecordSizeLimit:      0x4001,
			SessionTicket:        true,
			ECHGrease:            true,
		},
		HTTP2: &HTTP2Profile{
			Settings: []Setting{
				{SettingHeaderTableSize, 65536},
				{SettingInitialWindowSize, 131072},
				{SettingMaxFrameSize, 16384},
			},
			ConnectionWindowUpdate: 12517377,
			Priorities: []Priority{
				{StreamID: 3, DependsOn: 0, Weight: 201},
				{StreamID: 5, DependsOn: 0, Weight: 101},
				{StreamID: 7, DependsOn: 0, Weight: 1},
				{StreamID: 9, DependsOn: 7, Weight: 1},
				{StreamID: 11, DependsOn: 3, Weight: 1},
				{StreamID: 13, DependsOn: 0, Weight: 241},
			},
			PseudoHeaderOrder: []string{":method", ":path", ":authority", ":scheme"},
			HeaderPriority:    &Priority{DependsOn: 13, Weight: 42},
		},
		Headers: firefoxHeaders(ua),
	}
}

func safari18() *Profile {
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15"
	return &Profile{
		Name:      "safari-18",
		UserAgent: ua,
		TLS: TLSProfile{
			MinVersion: 0x0303,
			MaxVersion: 0x0304,
			CipherSuites: []uint16{
				GREASE,
				0x1301, 0x1302, 0x1303,
				0xc02c, 0xc02b, 0xcca9, 0xc030, 0xc02f, 0xcca8,
				0xc00a, 0xc009, 0xc014, 0xc013,
				0x009d, 0x009c, 0x0035, 0x002f,
				0xc008, 0xc012, 0x000a,
			},
			Extensions: []uint16{
				GREASE,
				ExtServerName,
				ExtExtendedMasterSecret,
				ExtRenegotiationInfo,
				ExtSupportedGroups,
				ExtECPointFormats,
				ExtALPN,
				ExtStatusRequest,
				ExtSignatureAlgorithms,
				ExtSCT,
				ExtKeyShare,
				ExtPSKKeyExchangeModes,
				ExtSupportedVersions,
				ExtCompressCertificate,
				GREASE,
				ExtPadding,
			},
			Curves:       []uint16{GREASE, 0x001d, 0x0017, 0x0018, 0x0019},
			KeyShares:    []uint16{GREASE, 0x001d},
			PointFormats: []uint8{0},
			SignatureAlgorithms: []uint16{
				0x0403, 0x0804, 0x0401, 0x0503, 0x0203, 0x0805,
				0x0805, 0x0501, 0x0806, 0x0601, 0x0201,
			},
			SupportedVersions: []uint16{GREASE, 0x0304, 0x0303, 0x0302, 0x0301},
			PSKModes:          []uint8{1},
			ALPN:              []string{"h2", "http/1.1"},
			CertCompression:   []uint16{1},
		},
		HTTP2: &HTTP2Profile{
			Settings: []Setting{
				{SettingEnablePush, 0},
				{SettingInitialWindowSize, 2097152},
				{SettingMaxConcurrentStreams, 100},
				{SettingNoRFC7540Priorities, 1},
			},
			ConnectionWindowUpdate: 10485760,
			PseudoHeaderOrder:      []string{":method", ":scheme", ":path", ":authority"},
		},
		Headers: []HeaderField{
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{"Sec-Fetch-Site", "none"},
			{"Accept-Encoding", "gzip, deflate, br"},
			{"Sec-Fetch-Mode", "navigate"},
			{"User-Agent", ua},
			{"Accept-Language", "en-US,en;q=0.9"},
			{"Sec-Fetch-Dest", "document"},
			{"Priority", "u=0, i"},
		},
	}
}

// cronet131 is Chrome's network stack embedded in Android apps. It shares
// Chrome's cipher and curve lists but sends neither ALPS nor ECH GREASE.
// Its 15728640-byte connection window is Chrome's: the WINDOW_UPDATE
// increment is that total minus the initial 65535.
func cronet131() *Profile {
	ua := "Cronet/131.0.6778.135"
	tls := chromeTLS(ExtApplicationSettings)
	tls.Extensions = removeExt(removeExt(tls.Extensions, ExtApplicationSettings), ExtEncryptedClientHello)
	tls.ALPS = nil
	tls.ECHGrease = false
	p := &Profile{
		Name:      "cronet-131",
		UserAgent: ua,
		TLS:       tls,
		HTTP2:     chromeHTTP2(),
		Headers: []HeaderField{
			{"User-Agent", ua},
			{"Accept", "*/*"},
			{"Accept-Encoding", "gzip, deflate, br, zstd"},
			{"Accept-Language", "en-US,en;q=0.9"},
		},
	}
	return p
}

// edge builds Microsoft Edge on a Chromium version: Chrome's ClientHello and
// HTTP/2 preface with Edge's User-Agent and client-hint brands.
func edge(version, brand string, alps uint16, plat platform, name string) *Profile {
	p := chrome(version, brand, alps, plat, name)
	p.UserAgent = "Mozilla/5.0 (" + plat.ua + ") AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" +
		version + ".0.0.0 Safari/537.36 Edg/" + version + ".0.0.0"
	p.Headers = chromeHeaders(brand, p.UserAgent, plat.chPlatfm)
	return p
}

func edgeFamily(version, brand string, alps uint16) []*Profile {
	base := "edge-" + version
	out := []*Profile{edge(version, brand, alps, chromePlatforms[0], base)}
	for _, plat := range chromePlatforms {
		out = append(out, edge(version, brand, alps, plat, base+"-"+plat.suffix))
	}
	return out
}

// okhttp4 is OkHttp 4 on Android's Conscrypt (BoringSSL without GREASE,
// ECH or certificate compression). Its HTTP/2 preface only raises the
// stream window and sends no HEADERS priority.
func okhttp4() *Profile {
	ua := "okhttp/4.12.0"
	return &Profile{
		Name:      "okhttp-4",
		UserAgent: ua,
		TLS: TLSProfile{
			MinVersion: 0x0303,
			MaxVersion: 0x0304,
			CipherSuites: []uint16{
				0x1301, 0x1302, 0x1303,
				0xc02b, 0xc02c, 0xcca9, 0xc02f, 0xc030, 0xcca8,
				0xc013, 0xc014,
				0x009c, 0x009d, 0x002f, 0x0035,
			},
			Extensions: []uint16{
				ExtServerName,
				ExtExtendedMasterSecret,
				ExtRenegotiationInfo,
				ExtSupportedGroups,
				ExtECPointFormats,
				ExtSessionTicket,
				ExtALPN,
				ExtStatusRequest,
				ExtSignatureAlgorithms,
				ExtKeyShare,
				ExtPSKKeyExchangeModes,
				ExtSupportedVersions,
				ExtPadding,
			},
			Curves:       []uint16{0x001d, 0x0017, 0x0018},
			KeyShares:    []uint16{0x001d},
			PointFormats: []uint8{0},
			SignatureAlgorithms: []uint16{
				0x0403, 0x0804, 0x0401,
				0x0503, 0x0805, 0x0501,
				0x0806, 0x0601, 0x0201,
			},
			SupportedVersions: []uint16{0x0304, 0x0303},
			PSKModes:          []uint8{1},
			ALPN:              []string{"h2", "http/1.1"},
			SessionTicket:     true,
		},
		HTTP2: &HTTP2Profile{
			Settings: []Setting{
				{SettingInitialWindowSize, 16777216},
			},
			ConnectionWindowUpdate: 16711681,
			PseudoHeaderOrder:      []string{":method", ":path", ":authority", ":scheme"},
		},
		Headers: []HeaderField{
			{"Accept-Encoding", "gzip"},
			{"User-Agent", ua},
		},
	}
}

// http1Only keeps Chrome's ClientHello but offers only http/1.1.
func http1Only() *Profile {
	p := chrome("143", `"Google Chrome";v="143", "Chromium";v="143", "Not A(Brand";v="24"`,
		ExtApplicationSettings2, chromePlatforms[0], "chrome-143-http1")
	p.TLS.ALPN = []string{"http/1.1"}
	p.TLS.ALPS = nil
	p.TLS.Extensions = removeExt(p.TLS.Extensions, ExtApplicationSettings2)
	p.HTTP2 = nil
	return p
}

func removeExt(exts []uint16, id uint16) []uint16 {
	out := make([]uint16, 0, len(exts))
	for _, e := range exts {
		if e != id {
			out = append(out, e)
		}
	}
	return out
}

func builtins() []*Profile {
	var out []*Profile
	out = append(out, chromeFamily("131", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`, ExtApplicationSettings)...)
	out = append(out, chromeFamily("133", `"Google Chrome";v="133", "Chromium";v="133", "Not_A Brand";v="24"`, ExtApplicationSettings2)...)
	out = append(out, chromeFamily("143", `"Google Chrome";v="143", "Chromium";v="143", "Not A(Brand";v="24"`, ExtApplicationSettings2)...)
	out = append(out, edgeFamily("131", `"Microsoft Edge";v="131", "Chromium";v="131", "Not_A Brand";v="24"`, ExtApplicationSettings)...)
	out = append(out, firefox117(), firefox133(), safari18(), cronet131(), okhttp4(), http1Only())
	return out
}
