package extract

// safeJSON is shared by routines that copy page objects: it drops functions,
// DOM nodes and cycles so the result always serializes.
const safeJSON = `
	const safe = (value) => {
		const seen = new WeakSet();
		return JSON.parse(JSON.stringify(value, (key, v) => {
			if (typeof v === 'function') return undefined;
			if (typeof Node !== 'undefined' && v instanceof Node) return '[DOM node]';
			if (v && typeof v === 'object') {
				if (seen.has(v)) return '[circular]';
				seen.add(v);
			}
			return v;
		}) ?? 'null');
	};
`

const dataLayerJS = `() => {` + safeJSON + `
	const dl = window.dataLayer;
	return {
		found: Array.isArray(dl),
		dataLayer: Array.isArray(dl) ? safe(dl) : [],
		url: location.href,
		title: document.title,
	};
}`

const structuredDataJS = `() => {` + safeJSON + `
	const jsonLd = [];
	const errors = [];
	document.querySelectorAll('script[type="application/ld+json"]').forEach((el, i) => {
		try {
			jsonLd.push(JSON.parse(el.textContent));
		} catch (e) {
			errors.push({ index: i, error: String(e) });
		}
	});
	const readItem = (el) => {
		const item = { type: el.getAttribute('itemtype') || '', properties: {} };
		el.querySelectorAll('[itemprop]').forEach((p) => {
			if (p.closest('[itemscope]') !== el && p.parentElement.closest('[itemscope]') !== el) return;
			const name = p.getAttribute('itemprop');
			const value = p.getAttribute('content') || p.getAttribute('href') || p.getAttribute('src') || p.textContent.trim();
			(item.properties[name] = item.properties[name] || []).push(value);
		});
		return item;
	};
	const microdata = Array.from(document.querySelectorAll('[itemscope]:not([itemprop])')).map(readItem);
	return { jsonLd: safe(jsonLd), microdata, parseErrors: errors, url: location.href };
}`

const pageMetadataJS = `() => {
	const meta = (sel) => {
		const el = document.querySelector(sel);
		return el ? el.getAttribute('content') : null;
	};
	const collect = (prefix, attr) => {
		const out = {};
		document.querySelectorAll('meta[' + attr + '^="' + prefix + '"]').forEach((el) => {
			out[el.getAttribute(attr).slice(prefix.length)] = el.getAttribute('content');
		});
		return out;
	};
	const canonical = document.querySelector('link[rel="canonical"]');
	return {
		url: location.href,
		title: document.title,
		description: meta('meta[name="description"]'),
		robots: meta('meta[name="robots"]'),
		canonical: canonical ? canonical.href : null,
		lang: document.documentElement.lang || null,
		openGraph: collect('og:', 'property'),
		twitter: collect('twitter:', 'name'),
		hreflang: Array.from(document.querySelectorAll('link[rel="alternate"][hreflang]'))
			.map((l) => ({ hreflang: l.hreflang, href: l.href })),
		headings: {
			h1: Array.from(document.querySelectorAll('h1')).map((h) => h.textContent.trim()),
			h2Count: document.querySelectorAll('h2').length,
		},
	};
}`

const crawlabilityJS = `async () => {
	const robotsMeta = Array.from(document.querySelectorAll('meta[name="robots"], meta[name="googlebot"]'))
		.map((m) => ({ name: m.name, content: (m.content || '').toLowerCase() }));
	const directives = robotsMeta.flatMap((m) => m.content.split(',').map((d) => d.trim()));
	const canonical = document.querySelector('link[rel="canonical"]');
	let robotsTxt = { fetched: false };
	try {
		const res = await fetch(location.origin + '/robots.txt', { credentials: 'omit' });
		const body = res.ok ? await res.text() : '';
		robotsTxt = { fetched: true, status: res.status, size: body.length, body: body.slice(0, 20000) };
	} catch (e) {
		robotsTxt = { fetched: false, error: String(e) };
	}
	const links = Array.from(document.querySelectorAll('a[href]'));
	return {
		url: location.href,
		robotsMeta,
		noindex: directives.includes('noindex') || directives.includes('none'),
		nofollow: directives.includes('nofollow') || directives.includes('none'),
		canonical: canonical ? canonical.href : null,
		canonicalMatches: canonical ? canonical.href === location.href : null,
		robotsTxt,
		links: {
			total: links.length,
			nofollow: links.filter((a) => (a.rel || '').includes('nofollow')).length,
		},
	};
}`

// gtmPreviewJS numbers events by gtm.uniqueEventId when GTM assigned one,
// falling back to the 1-based dataLayer position.
const gtmPreviewJS = `() => {` + safeJSON + `
	const params = new URLSearchParams(location.search);
	const cookie = (name) => {
		const m = document.cookie.match(new RegExp('(?:^|; )' + name + '=([^;]*)'));
		return m ? decodeURIComponent(m[1]) : '';
	};
	const token = params.get('gtm_debug') || cookie('gtm_debug') || cookie('gtm_preview') ||
		sessionStorage.getItem('__TAG_ASSISTANT_SESSION') || '';
	const gtm = window.google_tag_manager || {};
	const containers = Object.keys(gtm).filter((k) => /^GTM-/.test(k));
	const dl = Array.isArray(window.dataLayer) ? window.dataLayer : [];
	const events = [];
	dl.forEach((entry, i) => {
		if (!entry || typeof entry !== 'object' || Array.isArray(entry)) return;
		const n = Number(entry['gtm.uniqueEventId']);
		events.push({
			eventNumber: Number.isFinite(n) && n > 0 ? n : i + 1,
			event: typeof entry.event === 'string' ? entry.event : '',
			data: safe(entry),
		});
	});
	return { sessionToken: token, containers, events };
}`
